// Package host is a kernel backend that maps processes onto host
// executables. Events, waits and handles are emulated in process; CPU
// placement and priority use the host scheduler and resource limits become
// cgroup v2 groups when a cgroup parent is configured.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/limits"
)

// terminationRequest is the notification a process receives when asked to
// exit. It is delivered to host processes as SIGTERM.
const terminationRequest = 0x100

const firstPID kernel.PID = 0x20

// Options configures a host kernel.
type Options struct {
	Info kernel.SystemInfo
	// CgroupParent enables cgroup v2 limits. Each resource limit object gets
	// a child group of this directory.
	CgroupParent string
	// WorkDir is the working directory of started processes.
	WorkDir string
	// KillGrace is how long Close waits between SIGTERM and SIGKILL.
	KillGrace time.Duration
	Logger    *slog.Logger
}

type procState int

const (
	stateCreated procState = iota
	stateRunning
	stateExited
)

type process struct {
	pid     kernel.PID
	titleID uint64
	img     kernel.ProcessImage

	state    procState
	cmd      *exec.Cmd
	hostPID  int
	forced   bool
	debugged bool
	// closed is set once the handle is gone; the pid is forgotten at exit.
	closed bool

	affinity uint8
	numCores int
	ideal    int32
	limit    kernel.Handle
}

type event struct {
	reset    kernel.ResetType
	signaled bool
}

type resourceLimit struct {
	values map[kernel.LimitType]int64
	group  *limits.Group
}

type debugObject struct {
	pid kernel.PID
}

// Kernel implements kernel.Kernel and kernel.Mailbox on the host.
type Kernel struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	objects map[kernel.Handle]any
	procs   map[kernel.PID]*process
	nextH   kernel.Handle
	nextPID kernel.PID
	sched   kernel.SchedulingMode
	// changed is closed and replaced whenever a waitable object changes
	// state.
	changed chan struct{}
	wg      sync.WaitGroup
}

var (
	_ kernel.Kernel  = (*Kernel)(nil)
	_ kernel.Mailbox = (*Kernel)(nil)
)

func New(opts Options) *Kernel {
	if opts.Info.NumCores <= 0 {
		opts.Info.NumCores = 2
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		opts:    opts,
		logger:  logger,
		objects: make(map[kernel.Handle]any),
		procs:   make(map[kernel.PID]*process),
		nextH:   1,
		nextPID: firstPID,
		changed: make(chan struct{}),
	}
}

func (k *Kernel) Info() kernel.SystemInfo { return k.opts.Info }

func (k *Kernel) addObjectLocked(obj any) kernel.Handle {
	h := k.nextH
	k.nextH++
	k.objects[h] = obj
	return h
}

func (k *Kernel) broadcastLocked() {
	close(k.changed)
	k.changed = make(chan struct{})
}

func (k *Kernel) CreateEvent(reset kernel.ResetType) (kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.addObjectLocked(&event{reset: reset}), nil
}

func (k *Kernel) eventLocked(h kernel.Handle) (*event, error) {
	ev, ok := k.objects[h].(*event)
	if !ok {
		return nil, fmt.Errorf("event 0x%x: %w", h, kernel.ErrInvalidHandle)
	}
	return ev, nil
}

func (k *Kernel) SignalEvent(h kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ev, err := k.eventLocked(h)
	if err != nil {
		return err
	}
	if !ev.signaled {
		ev.signaled = true
		k.broadcastLocked()
	}
	return nil
}

func (k *Kernel) ClearEvent(h kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	ev, err := k.eventLocked(h)
	if err != nil {
		return err
	}
	ev.signaled = false
	return nil
}

func (k *Kernel) CloseHandle(h kernel.Handle) error {
	k.mu.Lock()
	obj, ok := k.objects[h]
	if !ok {
		k.mu.Unlock()
		return fmt.Errorf("close 0x%x: %w", h, kernel.ErrInvalidHandle)
	}
	delete(k.objects, h)
	switch o := obj.(type) {
	case *process:
		o.closed = true
		if o.state == stateExited {
			delete(k.procs, o.pid)
		}
	case *debugObject:
		if p, ok := k.procs[o.pid]; ok {
			p.debugged = false
		}
	}
	k.mu.Unlock()

	if rl, ok := obj.(*resourceLimit); ok && rl.group != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rl.group.Close(ctx); err != nil {
			k.logger.Warn("host: remove cgroup", "path", rl.group.Path, "error", err)
		}
	}
	return nil
}

// WaitSynchronization polls the handles under the lock and sleeps on the
// change broadcast between polls. One-shot events are cleared by the waiter
// that observes them.
func (k *Kernel) WaitSynchronization(ctx context.Context, handles []kernel.Handle, timeout time.Duration) (int, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		k.mu.Lock()
		for i, h := range handles {
			switch o := k.objects[h].(type) {
			case *event:
				if o.signaled {
					if o.reset == kernel.ResetOneShot {
						o.signaled = false
					}
					k.mu.Unlock()
					return i, nil
				}
			case *process:
				if o.state == stateExited {
					k.mu.Unlock()
					return i, nil
				}
			default:
				k.mu.Unlock()
				return -1, fmt.Errorf("wait 0x%x: %w", h, kernel.ErrInvalidHandle)
			}
		}
		changed := k.changed
		k.mu.Unlock()

		if timeout == 0 {
			return -1, kernel.ErrTimeout
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-expired:
			return -1, kernel.ErrTimeout
		}
	}
}

func (k *Kernel) processLocked(h kernel.Handle) (*process, error) {
	p, ok := k.objects[h].(*process)
	if !ok {
		return nil, fmt.Errorf("process 0x%x: %w", h, kernel.ErrInvalidHandle)
	}
	return p, nil
}

// CreateProcess records the image; nothing runs on the host until
// StartProcess. Images without a Path become resident processes that live
// until terminated.
func (k *Kernel) CreateProcess(img kernel.ProcessImage) (kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := &process{pid: k.nextPID, titleID: img.TitleID, img: img, ideal: -1}
	k.nextPID++
	k.procs[p.pid] = p
	return k.addObjectLocked(p), nil
}

func (k *Kernel) ProcessID(h kernel.Handle) (kernel.PID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return 0, err
	}
	return p.pid, nil
}

func (k *Kernel) StartProcess(h kernel.Handle, priority int32, stackSize uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if p.state != stateCreated {
		return fmt.Errorf("start pid %d: %w", p.pid, kernel.ErrWrongState)
	}
	if p.img.Path == "" {
		p.state = stateRunning
		return nil
	}

	cmd := exec.Command(p.img.Path, p.img.Args...)
	cmd.Dir = k.opts.WorkDir
	cmd.Env = append(os.Environ(), p.img.Env...)
	cmd.Env = append(cmd.Env,
		"PMD_PID="+strconv.FormatUint(uint64(p.pid), 10),
		fmt.Sprintf("PMD_TITLE_ID=%016x", p.titleID),
	)
	cmd.SysProcAttr = sysProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pid %d (%s): %w", p.pid, p.img.Path, err)
	}
	p.cmd = cmd
	p.hostPID = cmd.Process.Pid
	p.state = stateRunning

	if err := setPriority(p.hostPID, priority); err != nil {
		k.logger.Debug("host: set priority", "pid", p.pid, "priority", priority, "error", err)
	}
	k.applyPlacementLocked(p)
	if rl, ok := k.objects[p.limit].(*resourceLimit); ok && rl.group != nil {
		if err := rl.group.Attach(p.hostPID); err != nil {
			k.logger.Warn("host: attach cgroup", "pid", p.pid, "error", err)
		}
	}

	k.wg.Add(1)
	go k.reap(p, cmd)
	return nil
}

func (k *Kernel) reap(p *process, cmd *exec.Cmd) {
	defer k.wg.Done()
	err := cmd.Wait()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logger.Debug("host: process exited", "pid", p.pid, "host_pid", p.hostPID, "forced", p.forced, "error", err)
	k.exitLocked(p)
}

func (k *Kernel) exitLocked(p *process) {
	if p.state == stateExited {
		return
	}
	p.state = stateExited
	if p.closed {
		delete(k.procs, p.pid)
	}
	k.broadcastLocked()
}

func (k *Kernel) applyPlacementLocked(p *process) {
	if p.hostPID == 0 || p.numCores == 0 {
		return
	}
	if err := setAffinity(p.hostPID, p.affinity, p.numCores); err != nil {
		k.logger.Debug("host: set affinity", "pid", p.pid, "mask", p.affinity, "error", err)
	}
}

// TerminateProcess kills the process group without notice. The handle is
// signaled once the host reports the exit.
func (k *Kernel) TerminateProcess(h kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if p.state == stateExited {
		return nil
	}
	p.forced = true
	if p.cmd == nil {
		k.exitLocked(p)
		return nil
	}
	if err := forceStop(p.hostPID); err != nil {
		return fmt.Errorf("kill pid %d: %w", p.pid, err)
	}
	return nil
}

// Deliver implements kernel.Mailbox. Host executables only understand the
// termination request; resident processes accept every notification and
// exit on a termination request.
func (k *Kernel) Deliver(h kernel.Handle, id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if p.state != stateRunning {
		return fmt.Errorf("deliver 0x%x to pid %d: %w", id, p.pid, kernel.ErrNotFound)
	}
	if p.cmd == nil {
		if id == terminationRequest {
			k.exitLocked(p)
		}
		return nil
	}
	if id != terminationRequest {
		return fmt.Errorf("deliver 0x%x to pid %d: %w", id, p.pid, kernel.ErrNotFound)
	}
	if err := requestStop(p.hostPID); err != nil {
		return fmt.Errorf("deliver 0x%x to pid %d: %w", id, p.pid, kernel.ErrNotFound)
	}
	return nil
}

func (k *Kernel) SetProcessAffinityMask(h kernel.Handle, mask uint8, numCores int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if numCores <= 0 || numCores > 8 {
		return fmt.Errorf("affinity cores %d: %w", numCores, kernel.ErrWrongState)
	}
	p.affinity = mask & uint8(1<<numCores-1)
	p.numCores = numCores
	k.applyPlacementLocked(p)
	return nil
}

// SetProcessIdealProcessor is recorded only; the host scheduler has no
// preferred-core hint.
func (k *Kernel) SetProcessIdealProcessor(h kernel.Handle, core int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if core >= int32(k.opts.Info.NumCores) {
		return fmt.Errorf("ideal processor %d: %w", core, kernel.ErrWrongState)
	}
	p.ideal = core
	return nil
}

func (k *Kernel) SetProcessResourceLimits(h kernel.Handle, lh kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	rl, ok := k.objects[lh].(*resourceLimit)
	if !ok {
		return fmt.Errorf("resource limit 0x%x: %w", lh, kernel.ErrInvalidHandle)
	}
	p.limit = lh
	if p.hostPID != 0 && rl.group != nil {
		if err := rl.group.Attach(p.hostPID); err != nil {
			k.logger.Warn("host: attach cgroup", "pid", p.pid, "error", err)
		}
	}
	return nil
}

// DebugActiveProcess returns a debug object for a live process. The object
// marks the process as debugged until its handle is closed.
func (k *Kernel) DebugActiveProcess(pid kernel.PID) (kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	if !ok || p.state == stateExited {
		return 0, fmt.Errorf("debug pid %d: %w", pid, kernel.ErrNotFound)
	}
	if p.debugged {
		return 0, fmt.Errorf("debug pid %d: %w", pid, kernel.ErrWrongState)
	}
	p.debugged = true
	return k.addObjectLocked(&debugObject{pid: pid}), nil
}

func (k *Kernel) CreateResourceLimit() (kernel.Handle, error) {
	k.mu.Lock()
	rl := &resourceLimit{values: make(map[kernel.LimitType]int64)}
	h := k.addObjectLocked(rl)
	k.mu.Unlock()

	if k.opts.CgroupParent != "" {
		g, err := limits.Create(k.opts.CgroupParent, fmt.Sprintf("pmd-limit-%d", h))
		if err != nil {
			k.logger.Warn("host: cgroup limits disabled for limit object", "handle", h, "error", err)
		} else {
			k.mu.Lock()
			rl.group = g
			k.mu.Unlock()
		}
	}
	return h, nil
}

func (k *Kernel) limitLocked(h kernel.Handle) (*resourceLimit, error) {
	rl, ok := k.objects[h].(*resourceLimit)
	if !ok {
		return nil, fmt.Errorf("resource limit 0x%x: %w", h, kernel.ErrInvalidHandle)
	}
	return rl, nil
}

func (k *Kernel) SetResourceLimitValues(h kernel.Handle, types []kernel.LimitType, values []int64) error {
	if len(types) != len(values) {
		return fmt.Errorf("set limit values: %d types for %d values", len(types), len(values))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	rl, err := k.limitLocked(h)
	if err != nil {
		return err
	}
	for i, t := range types {
		rl.values[t] = values[i]
	}
	if rl.group != nil {
		if err := rl.group.Set(limits.FromValues(rl.values)); err != nil {
			k.logger.Warn("host: apply cgroup limits", "path", rl.group.Path, "error", err)
		}
	}
	return nil
}

func (k *Kernel) ResourceLimitValues(h kernel.Handle, types []kernel.LimitType) ([]int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rl, err := k.limitLocked(h)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(types))
	for i, t := range types {
		out[i] = rl.values[t]
	}
	return out, nil
}

func (k *Kernel) SetSchedulingMode(mode kernel.SchedulingMode) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sched = mode
	return nil
}

// SchedulingMode reports the last mode set.
func (k *Kernel) SchedulingMode() kernel.SchedulingMode {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched
}

// PreloadedProcesses is always empty: nothing runs before the supervisor on
// the host.
func (k *Kernel) PreloadedProcesses() ([]kernel.PreloadedProcess, error) {
	return nil, nil
}

// Close asks every running host process to stop, kills the ones still
// running after the grace period and waits for them to be reaped.
func (k *Kernel) Close() error {
	k.mu.Lock()
	var running []*process
	for _, p := range k.procs {
		if p.state == stateRunning && p.cmd != nil {
			running = append(running, p)
			_ = requestStop(p.hostPID)
		}
	}
	k.mu.Unlock()

	if len(running) > 0 {
		done := make(chan struct{})
		go func() {
			k.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-time.After(k.opts.KillGrace):
		}
		k.mu.Lock()
		for _, p := range running {
			if p.state == stateRunning {
				p.forced = true
				_ = forceStop(p.hostPID)
			}
		}
		k.mu.Unlock()
	}
	k.wg.Wait()
	return nil
}

// niceFor maps a kernel thread priority (0x18 highest to 0x3F lowest) onto a
// host nice value.
func niceFor(priority int32) int {
	n := int(priority-0x30) / 2
	if n < -20 {
		n = -20
	}
	if n > 19 {
		n = 19
	}
	return n
}
