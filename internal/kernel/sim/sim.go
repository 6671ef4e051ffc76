// Package sim is an in-memory kernel. It backs `pmd server --kernel=sim` and
// serves as the kernel for every package test: processes never execute code,
// they only move between created, running and exited, and tests drive exits
// and notification handling explicitly.
package sim

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pmd/pmd/internal/kernel"
)

const (
	firstHandle  = 0x100
	firstPID     = 0x20
	maxObjects   = 4096
	terminateReq = 0x100
)

// ProcessState is the lifecycle stage of a simulated process.
type ProcessState int

const (
	StateCreated ProcessState = iota
	StateRunning
	StateExited
)

func (s ProcessState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	default:
		return "exited"
	}
}

// Behavior controls how a simulated process reacts to notifications.
type Behavior struct {
	// Listener makes the process accept notifications. Without it delivery
	// reports kernel.ErrNotFound.
	Listener bool
	// ExitOnTerminationRequest makes a listener exit after ExitDelay when it
	// receives the termination request.
	ExitOnTerminationRequest bool
	ExitDelay                time.Duration
}

// Process is a snapshot of a simulated process.
type Process struct {
	PID           kernel.PID
	TitleID       uint64
	Name          string
	State         ProcessState
	Forced        bool
	Priority      int32
	StackSize     uint32
	AffinityMask  uint8
	IdealCore     int32
	ResourceLimit kernel.Handle
	Debugged      bool
	Notifications []uint32
}

type process struct {
	Process
	behavior Behavior
	done     chan struct{}
}

type event struct {
	reset kernel.ResetType
	// oneshot: buffered(1) token; sticky: closed when signaled.
	ch chan struct{}
}

type limit struct {
	values map[kernel.LimitType]int64
}

type debugObject struct {
	pid kernel.PID
}

// Kernel is a simulated kernel. The zero value is not usable; call New.
type Kernel struct {
	mu        sync.Mutex
	info      kernel.SystemInfo
	objects   map[kernel.Handle]any
	procs     map[kernel.PID]*process
	nextH     kernel.Handle
	nextPID   kernel.PID
	behaviors map[uint64]Behavior
	preloaded []kernel.PreloadedProcess
	sched     kernel.SchedulingMode
	failures  map[string]error
}

var (
	_ kernel.Kernel  = (*Kernel)(nil)
	_ kernel.Mailbox = (*Kernel)(nil)
)

// New returns a simulated kernel reporting info.
func New(info kernel.SystemInfo) *Kernel {
	if info.NumCores == 0 {
		info.NumCores = 2
	}
	return &Kernel{
		info:      info,
		objects:   make(map[kernel.Handle]any),
		procs:     make(map[kernel.PID]*process),
		nextH:     firstHandle,
		nextPID:   firstPID,
		behaviors: make(map[uint64]Behavior),
		failures:  make(map[string]error),
	}
}

func (k *Kernel) Info() kernel.SystemInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.info
}

func (k *Kernel) addObjectLocked(obj any) (kernel.Handle, error) {
	if len(k.objects) >= maxObjects {
		return 0, kernel.ErrOutOfResource
	}
	h := k.nextH
	k.nextH++
	k.objects[h] = obj
	return h, nil
}

// failLocked consumes a pending injected failure for op.
func (k *Kernel) failLocked(op string) error {
	if err, ok := k.failures[op]; ok {
		delete(k.failures, op)
		return err
	}
	return nil
}

// FailNext makes the next call of the named Kernel method return err.
func (k *Kernel) FailNext(op string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failures[op] = err
}

// SetBehavior sets the notification behavior of processes later created
// (or preloaded) with the given title id.
func (k *Kernel) SetBehavior(titleID uint64, b Behavior) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.behaviors[titleID&^0xFF] = b
}

func (k *Kernel) CreateEvent(reset kernel.ResetType) (kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch := make(chan struct{}, 1)
	if reset == kernel.ResetSticky {
		ch = make(chan struct{})
	}
	return k.addObjectLocked(&event{reset: reset, ch: ch})
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
	if ev.reset == kernel.ResetSticky {
		select {
		case <-ev.ch:
		default:
			close(ev.ch)
		}
		return nil
	}
	select {
	case ev.ch <- struct{}{}:
	default:
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
	if ev.reset == kernel.ResetSticky {
		select {
		case <-ev.ch:
			ev.ch = make(chan struct{})
		default:
		}
		return nil
	}
	select {
	case <-ev.ch:
	default:
	}
	return nil
}

func (k *Kernel) CloseHandle(h kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.objects[h]; !ok {
		return fmt.Errorf("close 0x%x: %w", h, kernel.ErrInvalidHandle)
	}
	delete(k.objects, h)
	return nil
}

func (k *Kernel) WaitSynchronization(ctx context.Context, handles []kernel.Handle, timeout time.Duration) (int, error) {
	cases := make([]reflect.SelectCase, 0, len(handles)+2)
	k.mu.Lock()
	for _, h := range handles {
		var ch chan struct{}
		switch obj := k.objects[h].(type) {
		case *process:
			ch = obj.done
		case *event:
			ch = obj.ch
		default:
			k.mu.Unlock()
			return -1, fmt.Errorf("wait 0x%x: %w", h, kernel.ErrInvalidHandle)
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}
	k.mu.Unlock()

	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	}

	chosen, _, _ := reflect.Select(cases)
	switch {
	case chosen < len(handles):
		return chosen, nil
	case chosen == len(handles):
		return -1, ctx.Err()
	default:
		return -1, kernel.ErrTimeout
	}
}

func (k *Kernel) newProcessLocked(img kernel.ProcessImage) *process {
	p := &process{
		Process: Process{
			PID:       k.nextPID,
			TitleID:   img.TitleID,
			Name:      img.Name,
			IdealCore: -1,
		},
		behavior: k.behaviors[img.TitleID&^0xFF],
		done:     make(chan struct{}),
	}
	k.nextPID++
	k.procs[p.PID] = p
	return p
}

func (k *Kernel) CreateProcess(img kernel.ProcessImage) (kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("CreateProcess"); err != nil {
		return 0, err
	}
	p := k.newProcessLocked(img)
	h, err := k.addObjectLocked(p)
	if err != nil {
		delete(k.procs, p.PID)
		return 0, err
	}
	return h, nil
}

// AddPreloaded creates a running process that will be reported by
// PreloadedProcesses.
func (k *Kernel) AddPreloaded(titleID uint64, name string) (kernel.PID, kernel.Handle) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.newProcessLocked(kernel.ProcessImage{TitleID: titleID, Name: name})
	p.State = StateRunning
	h, _ := k.addObjectLocked(p)
	k.preloaded = append(k.preloaded, kernel.PreloadedProcess{PID: p.PID, Handle: h, TitleID: titleID})
	return p.PID, h
}

func (k *Kernel) processLocked(h kernel.Handle) (*process, error) {
	p, ok := k.objects[h].(*process)
	if !ok {
		return nil, fmt.Errorf("process 0x%x: %w", h, kernel.ErrInvalidHandle)
	}
	return p, nil
}

func (k *Kernel) ProcessID(h kernel.Handle) (kernel.PID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return 0, err
	}
	return p.PID, nil
}

func (k *Kernel) StartProcess(h kernel.Handle, priority int32, stackSize uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("StartProcess"); err != nil {
		return err
	}
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if p.State != StateCreated {
		return fmt.Errorf("start pid %d: %w", p.PID, kernel.ErrWrongState)
	}
	p.State = StateRunning
	p.Priority = priority
	p.StackSize = stackSize
	return nil
}

func (k *Kernel) exitLocked(p *process, forced bool) {
	if p.State == StateExited {
		return
	}
	p.State = StateExited
	p.Forced = forced
	close(p.done)
}

func (k *Kernel) TerminateProcess(h kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("TerminateProcess"); err != nil {
		return err
	}
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	k.exitLocked(p, true)
	return nil
}

// Exit makes the process exit on its own, as if it returned from main.
func (k *Kernel) Exit(pid kernel.PID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	if !ok {
		return fmt.Errorf("exit pid %d: %w", pid, kernel.ErrNotFound)
	}
	k.exitLocked(p, false)
	return nil
}

func (k *Kernel) SetProcessAffinityMask(h kernel.Handle, mask uint8, numCores int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("SetProcessAffinityMask"); err != nil {
		return err
	}
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if numCores <= 0 || numCores > 8 {
		return fmt.Errorf("affinity cores %d: %w", numCores, kernel.ErrWrongState)
	}
	p.AffinityMask = mask & uint8(1<<numCores-1)
	return nil
}

func (k *Kernel) SetProcessIdealProcessor(h kernel.Handle, core int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("SetProcessIdealProcessor"); err != nil {
		return err
	}
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if core >= int32(k.info.NumCores) {
		return fmt.Errorf("ideal processor %d: %w", core, kernel.ErrWrongState)
	}
	p.IdealCore = core
	return nil
}

func (k *Kernel) SetProcessResourceLimits(h kernel.Handle, lh kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("SetProcessResourceLimits"); err != nil {
		return err
	}
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if _, ok := k.objects[lh].(*limit); !ok {
		return fmt.Errorf("resource limit 0x%x: %w", lh, kernel.ErrInvalidHandle)
	}
	p.ResourceLimit = lh
	return nil
}

func (k *Kernel) DebugActiveProcess(pid kernel.PID) (kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("DebugActiveProcess"); err != nil {
		return 0, err
	}
	p, ok := k.procs[pid]
	if !ok || p.State == StateExited {
		return 0, fmt.Errorf("debug pid %d: %w", pid, kernel.ErrNotFound)
	}
	p.Debugged = true
	return k.addObjectLocked(&debugObject{pid: pid})
}

func (k *Kernel) CreateResourceLimit() (kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("CreateResourceLimit"); err != nil {
		return 0, err
	}
	return k.addObjectLocked(&limit{values: make(map[kernel.LimitType]int64)})
}

func (k *Kernel) limitLocked(h kernel.Handle) (*limit, error) {
	l, ok := k.objects[h].(*limit)
	if !ok {
		return nil, fmt.Errorf("resource limit 0x%x: %w", h, kernel.ErrInvalidHandle)
	}
	return l, nil
}

func (k *Kernel) SetResourceLimitValues(h kernel.Handle, types []kernel.LimitType, values []int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked("SetResourceLimitValues"); err != nil {
		return err
	}
	if len(types) != len(values) {
		return fmt.Errorf("resource limit: %d types, %d values", len(types), len(values))
	}
	l, err := k.limitLocked(h)
	if err != nil {
		return err
	}
	for i, t := range types {
		l.values[t] = values[i]
	}
	return nil
}

func (k *Kernel) ResourceLimitValues(h kernel.Handle, types []kernel.LimitType) ([]int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, err := k.limitLocked(h)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(types))
	for i, t := range types {
		out[i] = l.values[t]
	}
	return out, nil
}

func (k *Kernel) SetSchedulingMode(mode kernel.SchedulingMode) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sched = mode
	return nil
}

// SchedulingMode returns the last mode set by the process manager.
func (k *Kernel) SchedulingMode() kernel.SchedulingMode {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched
}

func (k *Kernel) PreloadedProcesses() ([]kernel.PreloadedProcess, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]kernel.PreloadedProcess(nil), k.preloaded...), nil
}

// Deliver implements kernel.Mailbox.
func (k *Kernel) Deliver(h kernel.Handle, id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.processLocked(h)
	if err != nil {
		return err
	}
	if !p.behavior.Listener || p.State == StateExited {
		return fmt.Errorf("notify pid %d: %w", p.PID, kernel.ErrNotFound)
	}
	p.Notifications = append(p.Notifications, id)
	if id == terminateReq && p.behavior.ExitOnTerminationRequest {
		if p.behavior.ExitDelay <= 0 {
			k.exitLocked(p, false)
		} else {
			time.AfterFunc(p.behavior.ExitDelay, func() {
				k.mu.Lock()
				defer k.mu.Unlock()
				k.exitLocked(p, false)
			})
		}
	}
	return nil
}

// Process returns a snapshot of the process with the given pid.
func (k *Kernel) Process(pid kernel.PID) (Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	if !ok {
		return Process{}, false
	}
	snap := p.Process
	snap.Notifications = append([]uint32(nil), p.Notifications...)
	return snap, true
}

// ProcessByTitle returns the most recently created process with the given
// normalized title id.
func (k *Kernel) ProcessByTitle(titleID uint64) (Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var found *process
	for _, p := range k.procs {
		if p.TitleID&^0xFF == titleID&^0xFF && (found == nil || p.PID > found.PID) {
			found = p
		}
	}
	if found == nil {
		return Process{}, false
	}
	return found.Process, true
}

// Processes returns every process ever created, ordered by pid.
func (k *Kernel) Processes() []Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Process, 0, len(k.procs))
	for _, p := range k.procs {
		out = append(out, p.Process)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Limit returns the values of a resource limit object.
func (k *Kernel) Limit(h kernel.Handle) map[kernel.LimitType]int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.objects[h].(*limit)
	if !ok {
		return nil
	}
	out := make(map[kernel.LimitType]int64, len(l.values))
	for t, v := range l.values {
		out[t] = v
	}
	return out
}

// OpenHandles returns the number of live handles.
func (k *Kernel) OpenHandles() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.objects)
}
