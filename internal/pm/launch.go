package pm

import (
	"context"
	"fmt"
	"time"

	"github.com/pmd/pmd/internal/deps"
	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/pkg/observability"
	"github.com/pmd/pmd/pkg/types"
)

// launched is a process created by a launch sequence.
type launched struct {
	ref    registry.Ref
	pid    kernel.PID
	handle kernel.Handle
	md     *program.Metadata
	debug  kernel.Handle
}

// LaunchTitle makes sure prog is running. If a process of the same title is
// already live, its auto-loaded flag is cleared and its pid returned. Normal
// applications are launched in the background and PIDUnknown is returned.
func (m *Manager) LaunchTitle(ctx context.Context, prog program.Info, flags LaunchFlags) (kernel.PID, error) {
	return m.launchPublic(ctx, prog, prog, flags, true)
}

// LaunchTitleUpdate is LaunchTitle with the code taken from update.
func (m *Manager) LaunchTitleUpdate(ctx context.Context, prog, update program.Info, flags LaunchFlags) (kernel.PID, error) {
	return m.launchPublic(ctx, prog, update, flags|UseUpdateTitle, true)
}

// LaunchApp launches prog as the normal application and waits for it to
// start.
func (m *Manager) LaunchApp(ctx context.Context, prog program.Info, flags LaunchFlags) (kernel.PID, error) {
	return m.launchPublic(ctx, prog, prog, flags|NormalApplication, false)
}

// LaunchAppDebug creates prog as the normal application and queues it for
// RunQueuedProcess instead of starting it.
func (m *Manager) LaunchAppDebug(ctx context.Context, prog program.Info, flags LaunchFlags) (kernel.PID, error) {
	if m.debugQueued() {
		return 0, result.ErrDebugAlreadyQueued
	}
	return m.launchPublic(ctx, prog, prog, flags|NormalApplication|QueueDebugApplication, false)
}

func (m *Manager) launchPublic(ctx context.Context, prog, update program.Info, flags LaunchFlags, async bool) (kernel.PID, error) {
	if m.preparingForReboot.Load() {
		return 0, result.ErrPreparingForReboot
	}
	flags = flags.Normalize()
	if flags&NormalApplication != 0 {
		if m.applicationBusy() {
			return 0, result.ErrAlreadyRunning
		}
		if async {
			if pid, ok := m.reuseRunning(prog.ProgramID); ok {
				m.logger.Debug("pm: title already running", "pid", pid, titleAttr(prog.ProgramID))
				return pid, nil
			}
			err := m.tasks.Submit("launch "+prog.String(), func(ctx context.Context) {
				if _, err := m.launchSerialized(ctx, prog, update, flags); err != nil {
					m.logger.Error("pm: background application launch failed", titleAttr(prog.ProgramID), "error", err)
				}
			})
			if err != nil {
				return 0, fmt.Errorf("pm: queue application launch: %w", err)
			}
			return PIDUnknown, nil
		}
	}
	return m.launchSerialized(ctx, prog, update, flags)
}

func (m *Manager) launchSerialized(ctx context.Context, prog, update program.Info, flags LaunchFlags) (kernel.PID, error) {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()

	if m.preparingForReboot.Load() {
		return 0, result.ErrPreparingForReboot
	}
	if flags&NormalApplication != 0 && m.applicationBusy() {
		return 0, result.ErrAlreadyRunning
	}
	if pid, ok := m.reuseRunning(prog.ProgramID); ok {
		m.logger.Debug("pm: title already running", "pid", pid, titleAttr(prog.ProgramID))
		return pid, nil
	}

	l, err := m.launchTitleImpl(ctx, prog, update, flags)
	if err != nil {
		m.emitEvent(ctx, types.Event{
			Type:    types.EventLaunchFailed,
			TitleID: prog.ProgramID,
			Result:  uint32(result.FromError(err, 0)),
			Fields:  map[string]any{"flags": flags.String(), "error": err.Error()},
		})
		return 0, err
	}
	return l.pid, nil
}

// reuseRunning implements the idempotent re-launch: a live record of the
// same title loses its auto-loaded status and its pid is returned.
func (m *Manager) reuseRunning(titleID uint64) (kernel.PID, bool) {
	var (
		pid   kernel.PID
		found bool
	)
	m.reg.Update(func(tx *registry.Tx) {
		if _, rec := tx.FindLiveByTitle(titleID); rec != nil {
			rec.Flags &^= registry.FlagAutoLoaded
			pid, found = rec.PID, true
		}
	})
	return pid, found
}

func (m *Manager) applicationBusy() bool {
	busy := false
	m.reg.View(func(tx *registry.Tx) {
		if rec := tx.Get(m.app); rec != nil && rec.Live() {
			busy = true
		}
		if rec := tx.Get(m.debug); rec != nil && rec.Live() {
			busy = true
		}
	})
	return busy
}

func (m *Manager) debugQueued() bool {
	queued := false
	m.reg.View(func(tx *registry.Tx) {
		if rec := tx.Get(m.debug); rec != nil && rec.Live() {
			queued = true
		}
	})
	return queued
}

func (m *Manager) launchTitleImpl(ctx context.Context, prog, update program.Info, flags LaunchFlags) (*launched, error) {
	flags = flags.Normalize()
	ctx, span := observability.TraceOperation(ctx, &observability.ProcessOperation{
		Type:    observability.OpLaunch,
		TitleID: prog.ProgramID,
		Flags:   uint32(flags),
	})
	defer span.End()

	if flags&UseUpdateTitle == 0 {
		update = prog
	}
	ph, err := m.loader.RegisterProgram(prog, update)
	if err != nil {
		err = fmt.Errorf("register program %s: %w", prog, err)
		observability.RecordError(span, err)
		return nil, err
	}
	md, err := m.loader.ProgramMetadata(ph)
	switch {
	case err != nil:
		err = fmt.Errorf("program metadata %s: %w", prog, err)
	case md.Core.CoreVersion != m.info.CoreVersion:
		err = result.ErrIncompatibleKernel
	}
	if err != nil {
		m.unregisterProgram(ph)
		observability.RecordError(span, err)
		return nil, err
	}

	md = md.Clone()
	if md.TitleID == 0 {
		md.TitleID = prog.ProgramID
	}
	if removed := m.bl.apply(m.info.Firmware, md); len(removed) > 0 {
		m.logger.Info("pm: removed blacklisted services", titleAttr(md.TitleID), "services", removed)
	}

	var l *launched
	if flags&LoadDependencies != 0 {
		l, err = m.loadWithDependencies(ctx, ph, prog, flags, md)
	} else {
		l, err = m.loadWithoutDependencies(ctx, ph, prog, flags, md)
	}
	if err == nil {
		err = m.finishLaunch(ctx, l, flags)
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	observability.RecordLaunched(span, uint32(l.pid))
	m.logger.Info("pm: launched", "pid", l.pid, titleAttr(md.TitleID), "flags", flags.String())
	m.emit(ctx, types.EventProcessLaunched, l.pid, md.TitleID, map[string]any{
		"flags":          flags.String(),
		"program_handle": ph,
		"media":          prog.Media.String(),
	})
	return l, nil
}

func (m *Manager) loadWithoutDependencies(ctx context.Context, ph uint64, prog program.Info, flags LaunchFlags, md *program.Metadata) (*launched, error) {
	if program.RequiresBatchUpdate(prog.ProgramID) {
		m.unregisterProgram(ph)
		return nil, result.ErrRequireBatchUpdate
	}
	h, err := m.loader.LoadProcess(ph)
	if err != nil {
		m.unregisterProgram(ph)
		return nil, fmt.Errorf("load process %s: %w", prog, err)
	}
	pid, err := m.k.ProcessID(h)
	if err != nil {
		_ = m.k.TerminateProcess(h)
		_ = m.k.CloseHandle(h)
		m.unregisterProgram(ph)
		return nil, fmt.Errorf("process id of %s: %w", prog, err)
	}

	l := &launched{pid: pid, handle: h, md: md}
	m.reg.Update(func(tx *registry.Tx) {
		m.evictTerminated(tx, md.TitleID)
		ref, rec, err := tx.Allocate()
		if err != nil {
			fatal("allocate process record", err)
		}
		*rec = registry.Record{
			PID:           pid,
			Handle:        h,
			TitleID:       md.TitleID,
			ProgramHandle: ph,
			RefCount:      1,
			Created:       time.Now().UTC(),
		}
		l.ref = ref
	})
	// The monitor tracks the process from here on, so a failure below only
	// has to terminate it.
	m.signalNewProcess()

	if err := m.configure(l, ph, prog, flags); err != nil {
		m.abandon(l)
		return nil, err
	}

	m.reg.Update(func(tx *registry.Tx) {
		if rec := tx.Get(l.ref); rec != nil {
			if flags&NotifyOnTermination != 0 {
				rec.Flags |= registry.FlagNotifyOnTermination
			}
			rec.NotifyVariant = flags.NotifyVariant()
		}
	})
	return l, nil
}

func (m *Manager) configure(l *launched, ph uint64, prog program.Info, flags LaunchFlags) error {
	core := l.md.Core
	if err := m.storage.Register(l.pid, ph, prog, l.md.Storage); err != nil {
		return fmt.Errorf("register storage access of pid %d: %w", l.pid, err)
	}
	if err := m.services.RegisterProcess(l.pid, l.md.Services); err != nil {
		return fmt.Errorf("register service access of pid %d: %w", l.pid, err)
	}
	if core.ResourceCategory <= program.CategoryOther {
		if err := m.k.SetProcessResourceLimits(l.handle, m.limits[core.ResourceCategory]); err != nil {
			return fmt.Errorf("attach %s resource limit to pid %d: %w", core.ResourceCategory, l.pid, err)
		}
	}
	if err := m.k.SetProcessAffinityMask(l.handle, core.AffinityMask, affinityCores); err != nil {
		return fmt.Errorf("set affinity of pid %d: %w", l.pid, err)
	}
	if err := m.k.SetProcessIdealProcessor(l.handle, core.IdealProcessor); err != nil {
		return fmt.Errorf("set ideal processor of pid %d: %w", l.pid, err)
	}
	// The share is a value of the Application limit. Dependencies are
	// configured after the application they serve and would reset it.
	if core.ResourceCategory == program.CategoryApplication {
		if err := m.applyCPUTimePolicy(l.md); err != nil {
			return err
		}
	}
	if flags&QueueDebugApplication != 0 {
		dbg, err := m.k.DebugActiveProcess(l.pid)
		if err != nil {
			return fmt.Errorf("attach debugger to pid %d: %w", l.pid, err)
		}
		l.debug = dbg
	}
	return nil
}

func (m *Manager) loadWithDependencies(ctx context.Context, ph uint64, prog program.Info, flags LaunchFlags, md *program.Metadata) (*launched, error) {
	l, err := m.loadWithoutDependencies(ctx, ph, prog, flags, md)
	if err != nil {
		return nil, err
	}
	m.reg.Update(func(tx *registry.Tx) {
		if rec := tx.Get(l.ref); rec != nil {
			rec.Flags |= registry.FlagDependenciesResolved
		}
	})

	var set deps.Set
	set.AddList(deps.Extract(md, m.info.Variant).Unique())
	if err := m.resolveDependencies(ctx, &set); err != nil {
		m.abandon(l)
		return nil, err
	}
	return l, nil
}

// resolveDependencies walks the dependency closure in waves. Every wave
// first matches its entries against live records, then launches the rest
// and folds their own dependencies into set. Once no wave adds anything, or
// a launch fails, the duplicate references gathered so far are applied.
func (m *Manager) resolveDependencies(ctx context.Context, set *deps.Set) error {
	var firstErr error
	for total := 0; total < set.Len() && firstErr == nil; {
		wave := set.Len()
		m.reg.Update(func(tx *registry.Tx) {
			for i := total; i < wave; i++ {
				e := set.At(i)
				ref, rec := tx.FindLiveByTitle(e.ID)
				if rec == nil {
					continue
				}
				e.Resolved, e.Data = true, ref
				if rec.Flags.Has(registry.FlagAutoLoaded) {
					addRefs(rec, 1)
				}
			}
		})

		for i := total; i < wave; i++ {
			if set.At(i).Resolved {
				continue
			}
			id := set.At(i).ID
			child, err := m.launchDependency(ctx, id)
			if err != nil {
				firstErr = fmt.Errorf("launch dependency %s: %w", program.FormatTitleID(id), err)
				break
			}
			e := set.At(i)
			e.Resolved, e.Data = true, child.ref
			m.reg.Update(func(tx *registry.Tx) {
				if rec := tx.Get(child.ref); rec != nil {
					rec.Flags |= registry.FlagAutoLoaded | registry.FlagDependenciesResolved
				}
			})
			set.AddList(deps.Extract(child.md, m.info.Variant).Unique())
		}
		total = wave
	}

	m.reg.Update(func(tx *registry.Tx) {
		for i := 0; i < set.Len(); i++ {
			e := set.At(i)
			ref, ok := e.Data.(registry.Ref)
			if !ok || e.Count < 2 {
				continue
			}
			if rec := tx.Get(ref); rec != nil && rec.Flags.Has(registry.FlagAutoLoaded) {
				addRefs(rec, e.Count-1)
			}
		}
	})
	return firstErr
}

func (m *Manager) launchDependency(ctx context.Context, titleID uint64) (*launched, error) {
	ctx, span := observability.TraceOperation(ctx, &observability.ProcessOperation{
		Type:    observability.OpLaunchDependency,
		TitleID: titleID,
	})
	defer span.End()

	prog := program.Info{ProgramID: titleID, Media: program.MediaNAND}
	l, err := m.launchTitleImpl(ctx, prog, prog, 0)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return l, nil
}

func addRefs(rec *registry.Record, n int) {
	if int(rec.RefCount)+n > registry.MaxRefCount {
		fatal(fmt.Sprintf("reference pid %d", rec.PID), ErrRefCountOverflow)
	}
	rec.RefCount += uint8(n)
}

// finishLaunch either queues the process for debugging or starts it.
func (m *Manager) finishLaunch(ctx context.Context, l *launched, flags LaunchFlags) error {
	if flags&QueueDebugApplication != 0 {
		queued := false
		m.reg.Update(func(tx *registry.Tx) {
			if rec := tx.Get(m.debug); rec != nil && rec.Live() {
				queued = true
				return
			}
			m.debug, m.debugHandle = l.ref, l.debug
		})
		if queued {
			m.abandon(l)
			return result.ErrDebugAlreadyQueued
		}
		m.emit(ctx, types.EventDebugQueued, l.pid, l.md.TitleID, nil)
		return nil
	}

	if err := m.k.StartProcess(l.handle, l.md.Core.Priority, l.md.Core.StackSize); err != nil {
		m.abandon(l)
		return fmt.Errorf("start pid %d: %w", l.pid, err)
	}
	if flags&NormalApplication != 0 {
		m.setForeground(ctx, l.ref, l.pid, l.md.TitleID)
	}
	return nil
}

func (m *Manager) setForeground(ctx context.Context, ref registry.Ref, pid kernel.PID, titleID uint64) {
	m.reg.Update(func(*registry.Tx) { m.app = ref })
	m.notifier.PublishToSubscribers(NotifyApplicationLaunched)
	m.emit(ctx, types.EventForegroundChanged, pid, titleID, nil)
}

// abandon terminates a process whose launch failed. The monitor reaps it and
// releases its registrations. The record loses its notification request so
// the failed launch leaves nothing behind.
func (m *Manager) abandon(l *launched) {
	m.reg.Update(func(tx *registry.Tx) {
		if rec := tx.Get(l.ref); rec != nil {
			rec.Flags &^= registry.FlagNotifyOnTermination
			rec.NotifyVariant = 0
		}
	})
	if l.debug != 0 {
		_ = m.k.CloseHandle(l.debug)
		l.debug = 0
	}
	if err := m.k.TerminateProcess(l.handle); err != nil {
		m.logger.Error("pm: terminate failed launch", "pid", l.pid, "error", err)
	}
}

// evictTerminated frees a record of the same title that exited but was kept
// for an unregistration that never came.
func (m *Manager) evictTerminated(tx *registry.Tx, titleID uint64) {
	tx.Each(func(ref registry.Ref, rec *registry.Record) bool {
		if rec.Live() || !program.SameTitle(rec.TitleID, titleID) {
			return true
		}
		m.dropRecord(tx, ref, rec)
		return false
	})
}

// dropRecord clears the manager's references to rec, closes its handle and
// frees its slot.
func (m *Manager) dropRecord(tx *registry.Tx, ref registry.Ref, rec *registry.Record) {
	if ref == m.app {
		m.app = registry.Ref{}
	}
	if ref == m.debug {
		m.clearDebugLocked()
	}
	if err := m.k.CloseHandle(rec.Handle); err != nil {
		m.logger.Warn("pm: close process handle", "pid", rec.PID, "error", err)
	}
	tx.Free(ref)
}

func (m *Manager) unregisterProgram(ph uint64) {
	if err := m.loader.UnregisterProgram(ph); err != nil {
		m.logger.Warn("pm: unregister program", "program_handle", ph, "error", err)
	}
}
