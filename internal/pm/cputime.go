package pm

import (
	"context"
	"fmt"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/internal/reslimit"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/pkg/types"
)

var cpuTimeLimit = []kernel.LimitType{kernel.LimitCPUTime}

// applyCPUTimePolicy configures the application core for a freshly loaded
// application.
func (m *Manager) applyCPUTimePolicy(md *program.Metadata) error {
	p := reslimit.PolicyFor(md.TitleID, md.Core.CPUTime)
	if err := m.setAppCPUTime(int64(p.Current)); err != nil {
		return err
	}
	if err := m.k.SetSchedulingMode(p.Mode); err != nil {
		return fmt.Errorf("set scheduling mode %s: %w", p.Mode, err)
	}
	m.reg.Update(func(*registry.Tx) {
		m.cpuMax = p.Max
		m.cpuBase = 0
	})
	m.logger.Debug("pm: application cpu time",
		titleAttr(md.TitleID), "max", p.Max, "current", p.Current, "mode", p.Mode.String())
	return nil
}

func (m *Manager) setAppCPUTime(v int64) error {
	limit := m.limits[program.CategoryApplication]
	if err := m.k.SetResourceLimitValues(limit, cpuTimeLimit, []int64{v}); err != nil {
		return fmt.Errorf("set application cpu time to %d: %w", v, err)
	}
	return nil
}

// GetAppCPUTimeLimit returns the application's CPU-time share. Values of
// five percent and above are reported relative to the base offset.
func (m *Manager) GetAppCPUTimeLimit() (uint32, error) {
	vals, err := m.k.ResourceLimitValues(m.limits[program.CategoryApplication], cpuTimeLimit)
	if err != nil {
		return 0, fmt.Errorf("pm: read application cpu time: %w", err)
	}
	v := vals[0]
	if v >= reslimit.MinAdjustableCPUTime {
		var base uint8
		m.reg.View(func(*registry.Tx) { base = m.cpuBase })
		v -= int64(base)
	}
	return uint32(v), nil
}

// SetAppCPUTimeLimit changes the application's CPU-time share. Values
// above the current maximum are rejected.
func (m *Manager) SetAppCPUTimeLimit(ctx context.Context, v uint32) error {
	var limits types.CPUTimeInfo
	m.reg.View(func(*registry.Tx) {
		limits.Max, limits.Base = m.cpuMax, m.cpuBase
	})
	if v > uint32(limits.Max) {
		return result.ErrInvalidCPUTime
	}
	if v >= reslimit.MinAdjustableCPUTime {
		v += uint32(limits.Base)
	}
	if err := m.setAppCPUTime(int64(v)); err != nil {
		return fmt.Errorf("pm: %w", err)
	}
	m.emit(ctx, types.EventCPUTimeChanged, 0, 0, map[string]any{"value": v})
	return nil
}

// CPUTime reports the application CPU-time state.
func (m *Manager) CPUTime() (types.CPUTimeInfo, error) {
	cur, err := m.GetAppCPUTimeLimit()
	if err != nil {
		return types.CPUTimeInfo{}, err
	}
	info := types.CPUTimeInfo{Current: cur}
	m.reg.View(func(*registry.Tx) {
		info.Max, info.Base = m.cpuMax, m.cpuBase
	})
	return info, nil
}
