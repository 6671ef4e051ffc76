package pm

import (
	"context"
	"fmt"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/internal/result"
)

// RunQueuedProcess starts the process queued by LaunchAppDebug, makes it the
// foreground application and hands its debug handle to the caller, who owns
// it from then on.
func (m *Manager) RunQueuedProcess(ctx context.Context) (kernel.Handle, error) {
	var (
		snap   registry.Record
		ref    registry.Ref
		debugH kernel.Handle
		queued bool
	)
	m.reg.Update(func(tx *registry.Tx) {
		rec := tx.Get(m.debug)
		if rec == nil || !rec.Live() {
			return
		}
		queued = true
		snap, ref, debugH = *rec, m.debug, m.debugHandle
		m.debug, m.debugHandle = registry.Ref{}, 0
		m.app = ref
	})
	if !queued {
		return 0, result.ErrDebugNotQueued
	}

	l := &launched{ref: ref, pid: snap.PID, handle: snap.Handle, debug: debugH}
	md, err := m.loader.ProgramMetadata(snap.ProgramHandle)
	if err != nil {
		m.abandon(l)
		return 0, fmt.Errorf("pm: metadata of queued pid %d: %w", snap.PID, err)
	}
	if err := m.k.StartProcess(snap.Handle, md.Core.Priority, md.Core.StackSize); err != nil {
		m.abandon(l)
		return 0, fmt.Errorf("pm: start queued pid %d: %w", snap.PID, err)
	}

	m.logger.Info("pm: started queued process", "pid", snap.PID, titleAttr(snap.TitleID))
	m.setForeground(ctx, ref, snap.PID, snap.TitleID)
	return debugH, nil
}

// clearDebugLocked forgets the queued debug target and closes the debug
// handle the manager still owns. The registry lock must be held.
func (m *Manager) clearDebugLocked() {
	if m.debugHandle != 0 {
		if err := m.k.CloseHandle(m.debugHandle); err != nil {
			m.logger.Warn("pm: close debug handle", "error", err)
		}
	}
	m.debug, m.debugHandle = registry.Ref{}, 0
}
