package reslimit

import (
	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
)

const (
	// DefaultMaxCPUTime is the maximum share when a program does not
	// declare one.
	DefaultMaxCPUTime = 80
	// MinAdjustableCPUTime is the smallest share that is offset by the base
	// when read or written through the application CPU-time calls.
	MinAdjustableCPUTime = 5

	cpuTimeShareMask    = 0x7F
	cpuTimeExclusiveBit = 0x80
	// Override values at or above exclusiveOverride select the exclusive
	// mode with a share of value-exclusiveOverride.
	exclusiveOverride = 100
)

// CPUTimePolicy is the foreground CPU-time configuration derived from a
// program's descriptor.
type CPUTimePolicy struct {
	Max     uint8
	Current uint8
	Mode    kernel.SchedulingMode
}

type override struct {
	lo, hi uint32
	value  uint8
}

// Legacy titles declaring no CPU-time descriptor, keyed by 12-bit unique id.
var overrides = []override{
	{0x205, 0x205, 100},
	{0x215, 0x215, 100},
	{0x225, 0x225, 100},
	{0x304, 0x304, 100},
	{0x32E, 0x32E, 100},
	{0x334, 0x336, 30},
	{0x348, 0x349, 100},
	{0x368, 0x368, 100},
	{0x370, 0x370, 100},
	{0x389, 0x38A, 100},
	{0x38C, 0x38C, 100},
}

func lookupOverride(titleID uint64) (uint8, bool) {
	uid := program.ShortUniqueID(titleID)
	for _, o := range overrides {
		if uid >= o.lo && uid <= o.hi {
			return o.value, true
		}
	}
	return 0, false
}

// PolicyFor derives the CPU-time policy from a descriptor. A zero descriptor
// falls back to the default maximum and the legacy override table.
func PolicyFor(titleID uint64, descriptor uint8) CPUTimePolicy {
	if descriptor != 0 {
		p := CPUTimePolicy{
			Max:     descriptor & cpuTimeShareMask,
			Current: descriptor & cpuTimeShareMask,
		}
		if descriptor&cpuTimeExclusiveBit != 0 {
			p.Mode = kernel.SchedExclusive
		}
		return p
	}

	p := CPUTimePolicy{Max: DefaultMaxCPUTime}
	if v, ok := lookupOverride(titleID); ok {
		if v >= exclusiveOverride {
			p.Mode = kernel.SchedExclusive
			p.Current = v - exclusiveOverride
		} else {
			p.Current = v
		}
	}
	return p
}
