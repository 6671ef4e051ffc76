// Package pm is the process manager: it launches programs together with
// their dependency closures, tracks every process in a registry, runs the
// cooperative termination protocol and reaps processes as the kernel reports
// their exit.
package pm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/internal/reslimit"
	"github.com/pmd/pmd/internal/taskrunner"
	"github.com/pmd/pmd/pkg/observability"
	"github.com/pmd/pmd/pkg/types"
)

// PIDUnknown is returned by asynchronous launches.
const PIDUnknown kernel.PID = 0xFFFFFFFF

// DefaultTerminationTimeout is used when an operation is given a zero
// timeout.
const DefaultTerminationTimeout = 3 * time.Second

// affinityCores is the core count passed with every affinity mask, on both
// hardware variants.
const affinityCores = 2

// Config wires a Manager to its collaborators.
type Config struct {
	Kernel   kernel.Kernel
	Loader   Loader
	Storage  StorageRegistrar
	Services ServiceRegistrar
	Notifier Notifier

	// Events is optional.
	Events EventSink
	// Tasks runs asynchronous application launches. If nil, the Manager
	// creates its own runner and starts it in Run.
	Tasks *taskrunner.Runner

	RegistryCapacity   int
	ServiceBlacklist   []BlacklistRule
	TerminationTimeout time.Duration
	Logger             *slog.Logger
}

// Manager owns all process-manager state.
type Manager struct {
	k        kernel.Kernel
	info     kernel.SystemInfo
	loader   Loader
	storage  StorageRegistrar
	services ServiceRegistrar
	notifier Notifier
	sink     EventSink
	tasks    *taskrunner.Runner
	ownTasks bool
	bl       *blacklist
	logger   *slog.Logger
	timeout  time.Duration

	reg    *registry.Registry
	limits [program.NumCategories]kernel.Handle

	newProcessEvent  kernel.Handle
	allNotifiedEvent kernel.Handle

	// launchMu serializes launch sequences; termMu serializes commits.
	launchMu sync.Mutex
	termMu   sync.Mutex

	preparingForReboot atomic.Bool

	// Guarded by the registry lock.
	app                   registry.Ref
	debug                 registry.Ref
	debugHandle           kernel.Handle
	waitingForTermination bool
	cpuMax                uint8
	cpuBase               uint8
}

// New creates the category resource limits and the manager's events.
func New(cfg Config) (*Manager, error) {
	if cfg.Kernel == nil || cfg.Loader == nil || cfg.Storage == nil || cfg.Services == nil || cfg.Notifier == nil {
		return nil, errors.New("pm: kernel, loader, storage, services and notifier are required")
	}
	bl, err := newBlacklist(cfg.ServiceBlacklist)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		k:        cfg.Kernel,
		info:     cfg.Kernel.Info(),
		loader:   cfg.Loader,
		storage:  cfg.Storage,
		services: cfg.Services,
		notifier: cfg.Notifier,
		sink:     cfg.Events,
		tasks:    cfg.Tasks,
		bl:       bl,
		logger:   cfg.Logger,
		timeout:  cfg.TerminationTimeout,
		reg:      registry.New(cfg.RegistryCapacity),
		cpuMax:   reslimit.DefaultMaxCPUTime,
	}
	if m.sink == nil {
		m.sink = discardSink{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTerminationTimeout
	}
	if m.tasks == nil {
		m.tasks = taskrunner.New(taskrunner.WithLogger(m.logger))
		m.ownTasks = true
	}
	m.reg.SetLogger(m.logger)

	if m.limits, err = reslimit.Initialize(m.k); err != nil {
		return nil, fmt.Errorf("pm: %w", err)
	}
	if m.newProcessEvent, err = m.k.CreateEvent(kernel.ResetOneShot); err != nil {
		m.closeLimits()
		return nil, fmt.Errorf("pm: create new-process event: %w", err)
	}
	if m.allNotifiedEvent, err = m.k.CreateEvent(kernel.ResetOneShot); err != nil {
		m.closeLimits()
		_ = m.k.CloseHandle(m.newProcessEvent)
		return nil, fmt.Errorf("pm: create termination event: %w", err)
	}
	return m, nil
}

func (m *Manager) closeLimits() {
	for _, h := range m.limits {
		if h != 0 {
			_ = m.k.CloseHandle(h)
		}
	}
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
		m.reg.SetLogger(l)
	}
}

// Registry exposes the process registry for read-only inspection.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// ResourceLimit returns the limit object of a category.
func (m *Manager) ResourceLimit(c program.ResourceLimitCategory) kernel.Handle {
	if int(c) >= len(m.limits) {
		return 0
	}
	return m.limits[c]
}

// DefaultTimeout is the termination timeout applied when callers pass zero.
func (m *Manager) DefaultTimeout() time.Duration { return m.timeout }

// Run starts the background task runner (when owned) and the process
// monitor, and blocks until ctx is done. Close releases the kernel objects
// afterwards.
func (m *Manager) Run(ctx context.Context) error {
	if m.ownTasks {
		m.tasks.Start(ctx)
		defer m.tasks.Stop()
	}
	return m.monitor(ctx)
}

// Close releases the manager's kernel objects. Call it after Run returns.
func (m *Manager) Close() error {
	var firstErr error
	for _, h := range []kernel.Handle{m.newProcessEvent, m.allNotifiedEvent} {
		if err := m.k.CloseHandle(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.closeLimits()
	return firstErr
}

// RegisterPreloaded adds the kernel-started processes to the registry.
func (m *Manager) RegisterPreloaded() error {
	procs, err := m.k.PreloadedProcesses()
	if err != nil {
		return fmt.Errorf("pm: list preloaded processes: %w", err)
	}
	m.reg.Update(func(tx *registry.Tx) {
		for _, p := range procs {
			_, rec, err := tx.Allocate()
			if err != nil {
				fatal("register preloaded process", err)
			}
			rec.PID = p.PID
			rec.Handle = p.Handle
			rec.TitleID = p.TitleID
			rec.Flags = registry.FlagKernelPreloaded
			rec.RefCount = 1
			rec.Created = time.Now().UTC()
		}
	})
	if len(procs) > 0 {
		m.signalNewProcess()
	}
	m.logger.Info("pm: registered preloaded processes", "count", len(procs))
	return nil
}

func (m *Manager) signalNewProcess() {
	if err := m.k.SignalEvent(m.newProcessEvent); err != nil {
		m.logger.Error("pm: signal new-process event", "error", err)
	}
}

func (m *Manager) emit(ctx context.Context, typ string, pid kernel.PID, titleID uint64, fields map[string]any) {
	m.emitEvent(ctx, types.Event{Type: typ, PID: uint32(pid), TitleID: titleID, Fields: fields})
}

// emitEvent stamps ev and tags it with the active span, if any.
func (m *Manager) emitEvent(ctx context.Context, ev types.Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	if tid := observability.ExtractTraceID(ctx); tid != "" {
		if ev.Fields == nil {
			ev.Fields = make(map[string]any, 2)
		}
		ev.Fields["trace_id"] = tid
		ev.Fields["span_id"] = observability.ExtractSpanID(ctx)
	}
	m.sink.Emit(ctx, ev)
}

func titleAttr(id uint64) slog.Attr { return slog.String("title", program.FormatTitleID(id)) }
