package pm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pmd/pmd/internal/deps"
	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/pkg/observability"
	"github.com/pmd/pmd/pkg/types"
)

// pending collects events produced under the registry lock so they can be
// emitted after it is released.
type pending []types.Event

func (p *pending) add(typ string, rec *registry.Record, fields map[string]any) {
	*p = append(*p, types.Event{Type: typ, PID: uint32(rec.PID), TitleID: rec.TitleID, Fields: fields})
}

func (m *Manager) flush(ctx context.Context, p pending) {
	for _, ev := range p {
		m.emitEvent(ctx, ev)
	}
}

// requestTermination starts terminating a running record. Records that asked
// for a notification are sent one and given until the next commit to exit;
// the others are terminated right away.
func (m *Manager) requestTermination(tx *registry.Tx, rec *registry.Record, out *pending) {
	if rec.Status != registry.StatusRunning {
		return
	}
	if !rec.Flags.Has(registry.FlagNotifyOnTermination) {
		m.terminateNow(rec, "no_listener", out)
		return
	}
	err := m.notifier.PublishToProcess(NotifyTerminationRequest, rec.Handle)
	switch {
	case err == nil:
		rec.Status = registry.StatusNotificationSent
		out.add(types.EventTerminationSent, rec, nil)
	case errors.Is(err, kernel.ErrNotFound):
		// Forced at the next commit, together with the other unreachable ones.
		rec.Status = registry.StatusNotificationFailed
		m.logger.Info("pm: process has no termination listener", "pid", rec.PID, titleAttr(rec.TitleID))
	default:
		m.logger.Warn("pm: termination notification failed", "pid", rec.PID, titleAttr(rec.TitleID), "error", err)
		m.terminateNow(rec, "notification_error", out)
	}
}

func (m *Manager) terminateNow(rec *registry.Record, reason string, out *pending) {
	if err := m.k.TerminateProcess(rec.Handle); err != nil {
		m.logger.Error("pm: terminate process", "pid", rec.PID, "error", err)
	}
	out.add(types.EventProcessForced, rec, map[string]any{"reason": reason})
}

// forceFailed terminates every record whose notification could not be
// delivered.
func (m *Manager) forceFailed(tx *registry.Tx, out *pending) {
	tx.Each(func(_ registry.Ref, rec *registry.Record) bool {
		if rec.Status == registry.StatusNotificationFailed {
			if err := m.k.TerminateProcess(rec.Handle); err != nil {
				m.logger.Debug("pm: terminate unreachable process", "pid", rec.PID, "error", err)
			}
			out.add(types.EventProcessForced, rec, map[string]any{"reason": "notification_failed"})
		}
		return true
	})
}

// terminateUnusedDependencies drops one reference from every running
// auto-loaded process whose title is in ids and requests the termination of
// those that are no longer referenced.
func (m *Manager) terminateUnusedDependencies(tx *registry.Tx, ids deps.List, out *pending) {
	for _, id := range ids.Unique() {
		_, rec := tx.FindLiveByTitle(id)
		if rec == nil || rec.Status != registry.StatusRunning || !rec.Flags.Has(registry.FlagAutoLoaded) {
			continue
		}
		if rec.RefCount == 0 {
			continue
		}
		rec.RefCount--
		if rec.RefCount == 0 {
			m.logger.Debug("pm: dependency no longer used", "pid", rec.PID, titleAttr(rec.TitleID))
			m.requestTermination(tx, rec, out)
		}
	}
}

// commitPendingTerminations waits for notified processes to exit. Processes
// still alive after timeout are terminated, and the call returns once the
// kernel has confirmed every exit.
func (m *Manager) commitPendingTerminations(ctx context.Context, timeout time.Duration) error {
	m.termMu.Lock()
	defer m.termMu.Unlock()

	ctx, span := observability.TraceOperation(ctx, &observability.ProcessOperation{Type: observability.OpCommit})
	defer span.End()

	var (
		out     pending
		waiting bool
	)
	m.reg.Update(func(tx *registry.Tx) {
		m.forceFailed(tx, &out)
		waiting = anySent(tx)
		if waiting {
			_ = m.k.ClearEvent(m.allNotifiedEvent)
			m.waitingForTermination = true
		}
	})
	m.flush(ctx, out)
	if !waiting {
		return nil
	}
	defer m.reg.Update(func(*registry.Tx) { m.waitingForTermination = false })

	// Wake the monitor so it re-evaluates the notified set.
	m.signalNewProcess()
	_, err := m.k.WaitSynchronization(ctx, []kernel.Handle{m.allNotifiedEvent}, timeout)
	if errors.Is(err, kernel.ErrTimeout) {
		out = out[:0]
		m.reg.Update(func(tx *registry.Tx) {
			_ = m.k.ClearEvent(m.allNotifiedEvent)
			tx.Each(func(_ registry.Ref, rec *registry.Record) bool {
				if rec.Status == registry.StatusNotificationSent {
					if err := m.k.TerminateProcess(rec.Handle); err != nil {
						m.logger.Debug("pm: terminate notified process", "pid", rec.PID, "error", err)
					}
					out.add(types.EventProcessForced, rec, map[string]any{"reason": "timeout"})
				}
				return true
			})
		})
		observability.RecordForced(span, len(out))
		m.logger.Warn("pm: termination timed out, forcing", "count", len(out), "timeout", timeout)
		m.flush(ctx, out)

		m.signalNewProcess()
		_, err = m.k.WaitSynchronization(ctx, []kernel.Handle{m.allNotifiedEvent}, kernel.Infinite)
	}
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("pm: wait for terminations: %w", err)
	}
	return nil
}

func anySent(tx *registry.Tx) bool {
	sent := false
	tx.Each(func(_ registry.Ref, rec *registry.Record) bool {
		sent = rec.Status == registry.StatusNotificationSent
		return !sent
	})
	return sent
}

func (m *Manager) timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return m.timeout
	}
	return d
}

func (m *Manager) terminate(ctx context.Context, op observability.OperationType, timeout time.Duration, pick func(tx *registry.Tx) *registry.Record) error {
	ctx, span := observability.TraceOperation(ctx, &observability.ProcessOperation{Type: op})
	defer span.End()

	var (
		out   pending
		found bool
	)
	m.reg.Update(func(tx *registry.Tx) {
		rec := pick(tx)
		if rec == nil {
			return
		}
		found = true
		m.requestTermination(tx, rec, &out)
	})
	m.flush(ctx, out)
	if !found {
		return result.ErrProcessNotFound
	}
	return m.commitPendingTerminations(ctx, m.timeoutOr(timeout))
}

// TerminateApplication terminates the foreground application, if any. A
// zero timeout selects the default.
func (m *Manager) TerminateApplication(ctx context.Context, timeout time.Duration) error {
	err := m.terminate(ctx, observability.OpTerminate, timeout, func(tx *registry.Tx) *registry.Record {
		if rec := tx.Get(m.app); rec != nil && rec.Live() {
			return rec
		}
		return nil
	})
	if errors.Is(err, result.ErrProcessNotFound) {
		return nil
	}
	return err
}

// TerminateTitle terminates the live process of titleID.
func (m *Manager) TerminateTitle(ctx context.Context, titleID uint64, timeout time.Duration) error {
	return m.terminate(ctx, observability.OpTerminate, timeout, func(tx *registry.Tx) *registry.Record {
		_, rec := tx.FindLiveByTitle(titleID)
		return rec
	})
}

// TerminateProcess terminates the live process pid.
func (m *Manager) TerminateProcess(ctx context.Context, pid kernel.PID, timeout time.Duration) error {
	return m.terminate(ctx, observability.OpTerminate, timeout, func(tx *registry.Tx) *registry.Record {
		if _, rec := tx.FindByPID(pid); rec != nil && rec.Live() {
			return rec
		}
		return nil
	})
}

// PrepareForReboot refuses further launches and terminates every process the
// manager launched, except callerPID.
func (m *Manager) PrepareForReboot(ctx context.Context, callerPID kernel.PID, timeout time.Duration) error {
	ctx, span := observability.TraceOperation(ctx, &observability.ProcessOperation{
		Type: observability.OpPrepareReboot,
		PID:  uint32(callerPID),
	})
	defer span.End()

	m.preparingForReboot.Store(true)
	var (
		out       pending
		requested int
	)
	m.reg.Update(func(tx *registry.Tx) {
		tx.Each(func(_ registry.Ref, rec *registry.Record) bool {
			if rec.PID == callerPID || rec.Flags.Has(registry.FlagKernelPreloaded) || rec.Status != registry.StatusRunning {
				return true
			}
			m.requestTermination(tx, rec, &out)
			requested++
			return true
		})
	})
	m.flush(ctx, out)
	m.logger.Info("pm: preparing for reboot", "caller", callerPID, "terminating", requested)

	if err := m.commitPendingTerminations(ctx, m.timeoutOr(timeout)); err != nil {
		observability.RecordError(span, err)
		return err
	}
	m.emit(ctx, types.EventRebootPrepared, callerPID, 0, map[string]any{"terminated": requested})
	return nil
}

// PreparingForReboot reports whether the reboot latch is set.
func (m *Manager) PreparingForReboot() bool { return m.preparingForReboot.Load() }
