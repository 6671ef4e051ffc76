package pm

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmd/pmd/internal/deps"
	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/pkg/observability"
	"github.com/pmd/pmd/pkg/types"
)

// monitor waits on every live process handle and reaps processes as they
// exit. The wait set is rebuilt from the registry on every iteration, and
// the new-process event wakes the loop whenever a record is added.
func (m *Manager) monitor(ctx context.Context) error {
	m.logger.Info("pm: process monitor started")
	defer m.logger.Info("pm: process monitor stopped")

	handles := make([]kernel.Handle, 0, m.reg.Capacity()+1)
	for {
		handles = append(handles[:0], m.newProcessEvent)
		m.reg.View(func(tx *registry.Tx) {
			sent := false
			tx.Each(func(_ registry.Ref, rec *registry.Record) bool {
				if !rec.Live() {
					return true
				}
				handles = append(handles, rec.Handle)
				if rec.Status == registry.StatusNotificationSent {
					sent = true
				}
				return true
			})
			if m.waitingForTermination && !sent {
				if err := m.k.SignalEvent(m.allNotifiedEvent); err != nil {
					m.logger.Error("pm: signal termination event", "error", err)
				}
			}
		})

		idx, err := m.k.WaitSynchronization(ctx, handles, kernel.Infinite)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, kernel.ErrInvalidHandle):
			// A record was dropped between the snapshot and the wait.
			m.logger.Debug("pm: wait set went stale", "error", err)
			continue
		case err != nil:
			return fmt.Errorf("pm: monitor wait: %w", err)
		case idx == 0:
			continue
		}
		m.reap(ctx, handles[idx])
	}
}

// reap marks the process behind h as terminated and cleans up after it.
// Records that asked for a termination notification are kept, with their
// handle, until UnregisterProcess drops them.
func (m *Manager) reap(ctx context.Context, h kernel.Handle) {
	var (
		snap        registry.Record
		found, kept bool
		wasApp      bool
	)
	m.reg.Update(func(tx *registry.Tx) {
		ref, rec := tx.FindByHandle(h)
		if rec == nil || !rec.Live() {
			return
		}
		found = true
		rec.Status = registry.StatusTerminated
		if rec.Flags.Has(registry.FlagNotifyOnTermination) {
			rec.Flags |= registry.FlagTerminatedAfterNotification
			kept = true
		}
		snap = *rec
		if ref == m.app {
			m.app = registry.Ref{}
			wasApp = true
		}
		if ref == m.debug {
			m.clearDebugLocked()
		}
		if !kept {
			tx.Free(ref)
		}
	})
	if !found {
		return
	}

	m.logger.Info("pm: process exited", "pid", snap.PID, titleAttr(snap.TitleID), "flags", snap.Flags.String())
	m.cleanup(ctx, &snap)
	if !kept {
		if err := m.k.CloseHandle(snap.Handle); err != nil {
			m.logger.Warn("pm: close process handle", "pid", snap.PID, "error", err)
		}
	}

	m.emit(ctx, types.EventProcessExited, snap.PID, snap.TitleID, map[string]any{
		"flags":    snap.Flags.String(),
		"refcount": snap.RefCount,
		"kept":     kept,
	})
	if wasApp {
		m.emit(ctx, types.EventForegroundChanged, 0, 0, nil)
	}
}

// cleanup releases what a dead process held: the dependencies it loaded, its
// registrations and its program. snap is a copy taken under the lock.
func (m *Manager) cleanup(ctx context.Context, snap *registry.Record) {
	ctx, span := observability.TraceOperation(ctx, &observability.ProcessOperation{
		Type:    observability.OpCleanup,
		TitleID: snap.TitleID,
		PID:     uint32(snap.PID),
	})
	defer span.End()

	var out pending
	if snap.Flags.Has(registry.FlagDependenciesResolved) {
		md, err := m.loader.ProgramMetadata(snap.ProgramHandle)
		if err != nil {
			observability.RecordError(span, err)
			m.logger.Error("pm: dependencies of exited process", "pid", snap.PID, "error", err)
		} else {
			ids := deps.Extract(md, m.info.Variant)
			m.reg.Update(func(tx *registry.Tx) {
				m.terminateUnusedDependencies(tx, ids, &out)
				m.forceFailed(tx, &out)
			})
		}
	}

	if !snap.Flags.Has(registry.FlagKernelPreloaded) {
		if err := m.services.UnregisterProcess(snap.PID); err != nil {
			m.logger.Warn("pm: unregister services", "pid", snap.PID, "error", err)
		}
		if err := m.storage.Unregister(snap.PID); err != nil {
			m.logger.Warn("pm: unregister storage", "pid", snap.PID, "error", err)
		}
		m.unregisterProgram(snap.ProgramHandle)
	}

	if snap.Flags.Has(registry.FlagNotifyOnTermination) {
		m.notifier.PublishToSubscribers(NotifyProcessTerminated + uint32(snap.NotifyVariant))
	}
	m.flush(ctx, out)
}
