package pm

import (
	"context"
	"fmt"

	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/pkg/types"
)

// GetProgramFlags reads a program's core info and system flags without
// launching it.
func (m *Manager) GetProgramFlags(prog program.Info) (program.CoreInfo, program.SystemFlags, error) {
	if m.preparingForReboot.Load() {
		return program.CoreInfo{}, 0, result.ErrPreparingForReboot
	}
	ph, err := m.loader.RegisterProgram(prog, prog)
	if err != nil {
		return program.CoreInfo{}, 0, fmt.Errorf("pm: register program %s: %w", prog, err)
	}
	defer m.unregisterProgram(ph)

	md, err := m.loader.ProgramMetadata(ph)
	if err != nil {
		return program.CoreInfo{}, 0, fmt.Errorf("pm: program metadata %s: %w", prog, err)
	}
	return md.Core, md.Flags, nil
}

// UnregisterProcess drops the record of titleID, normally one kept after its
// process exited so subscribers could be notified. Unknown titles are not an
// error.
func (m *Manager) UnregisterProcess(ctx context.Context, titleID uint64) error {
	var (
		snap  registry.Record
		found bool
	)
	m.reg.Update(func(tx *registry.Tx) {
		ref, rec := findKept(tx, titleID)
		if rec == nil {
			ref, rec = tx.FindByTitle(titleID)
		}
		if rec == nil {
			return
		}
		found, snap = true, *rec
		m.dropRecord(tx, ref, rec)
	})
	if found {
		m.logger.Info("pm: unregistered process", "pid", snap.PID, titleAttr(snap.TitleID))
		m.emit(ctx, types.EventProcessReleased, snap.PID, snap.TitleID, map[string]any{"status": snap.Status.String()})
	}
	return nil
}

// ForegroundApplication returns the current normal application.
func (m *Manager) ForegroundApplication() (types.ProcessInfo, bool) {
	var (
		info types.ProcessInfo
		ok   bool
	)
	m.reg.View(func(tx *registry.Tx) {
		if rec := tx.Get(m.app); rec != nil && rec.Live() {
			info, ok = m.processInfo(m.app, rec), true
		}
	})
	return info, ok
}

// ListProcesses returns every record in allocation order.
func (m *Manager) ListProcesses() []types.ProcessInfo {
	var out []types.ProcessInfo
	m.reg.View(func(tx *registry.Tx) {
		out = make([]types.ProcessInfo, 0, tx.Len())
		tx.Each(func(ref registry.Ref, rec *registry.Record) bool {
			out = append(out, m.processInfo(ref, rec))
			return true
		})
	})
	return out
}

func (m *Manager) processInfo(ref registry.Ref, rec *registry.Record) types.ProcessInfo {
	info := types.ProcessInfo{
		PID:           uint32(rec.PID),
		TitleID:       rec.TitleID,
		ProgramHandle: rec.ProgramHandle,
		Status:        rec.Status.String(),
		RefCount:      rec.RefCount,
		Foreground:    ref == m.app,
		DebugQueued:   ref == m.debug,
		Created:       rec.Created,
	}
	if rec.Flags != 0 {
		info.Flags = rec.Flags.Names()
	}
	return info
}

func findKept(tx *registry.Tx, titleID uint64) (registry.Ref, *registry.Record) {
	var (
		found registry.Ref
		kept  *registry.Record
	)
	tx.Each(func(ref registry.Ref, rec *registry.Record) bool {
		if !rec.Live() && program.SameTitle(rec.TitleID, titleID) {
			found, kept = ref, rec
			return false
		}
		return true
	})
	return found, kept
}
