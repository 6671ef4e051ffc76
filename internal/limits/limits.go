// Package limits maps kernel resource-limit values onto cgroup v2
// controllers for backends that run processes on the host.
package limits

import (
	"strings"

	"github.com/pmd/pmd/internal/kernel"
)

// Limits are the cgroup v2 settings derived from a resource limit object.
// Zero fields leave the controller unlimited.
type Limits struct {
	MemoryMaxBytes int64
	PidsMax        int
	// CPUQuotaPct is a percentage of one core.
	CPUQuotaPct int
}

// FromValues derives cgroup settings from resource-limit values: committed
// memory bounds memory.max, the thread count bounds pids.max and the CPU-time
// share bounds cpu.max.
func FromValues(values map[kernel.LimitType]int64) Limits {
	var l Limits
	if v := values[kernel.LimitCommit]; v > 0 {
		l.MemoryMaxBytes = v
	}
	if v := values[kernel.LimitThread]; v > 0 {
		l.PidsMax = int(v)
	}
	if v := values[kernel.LimitCPUTime]; v > 0 {
		// Shares above 100 carry the scheduling-mode offset.
		l.CPUQuotaPct = int(v % 100)
	}
	return l
}

func cpuMaxFromPct(pct int) (quota int, period int) {
	period = 100000 // 100ms
	if pct <= 0 {
		return 0, period
	}
	if pct > 1000 {
		pct = 1000
	}
	quota = period * pct / 100
	if quota < 1000 {
		quota = 1000
	}
	return quota, period
}

func sanitizeCgroupName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "pmd"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
