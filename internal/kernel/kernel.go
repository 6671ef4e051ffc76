// Package kernel describes the microkernel primitives the process manager is
// built on. Processes, events, resource limits and debug objects are all
// referenced through opaque handles; waiting is done on a set of handles at
// once.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handle references a kernel object. The zero handle is invalid.
type Handle uint32

// PID is a kernel-assigned process identifier.
type PID uint32

// Infinite can be passed as a wait timeout to block until a handle is
// signaled or the context is done.
const Infinite time.Duration = -1

var (
	// ErrTimeout is returned by WaitSynchronization when the timeout elapses.
	ErrTimeout = errors.New("kernel: wait timed out")
	// ErrInvalidHandle is returned for unknown or closed handles.
	ErrInvalidHandle = errors.New("kernel: invalid handle")
	// ErrNotFound is returned when a notification target has no listener.
	ErrNotFound = errors.New("kernel: target not found")
	// ErrWrongState is returned when an operation does not apply to the
	// object's current state (starting a running process, and so on).
	ErrWrongState = errors.New("kernel: invalid object state")
	// ErrOutOfResource is returned when a kernel table is full.
	ErrOutOfResource = errors.New("kernel: out of resource")
)

// ResetType selects how an event behaves once a waiter observes it.
type ResetType int

const (
	// ResetOneShot events are cleared by the waiter that observes them.
	ResetOneShot ResetType = iota
	// ResetSticky events stay signaled until cleared.
	ResetSticky
)

// LimitType selects one value of a resource limit object.
type LimitType int

const (
	LimitCommit LimitType = iota
	LimitPriority
	LimitThread
	LimitEvent
	LimitMutex
	LimitSemaphore
	LimitTimer
	LimitSharedMemory
	LimitAddressArbiter
	LimitCPUTime
	limitTypeCount
)

var limitNames = [...]string{
	"commit", "priority", "thread", "event", "mutex",
	"semaphore", "timer", "shared_memory", "address_arbiter", "cpu_time",
}

func (t LimitType) String() string {
	if t >= 0 && t < limitTypeCount {
		return limitNames[t]
	}
	return fmt.Sprintf("limit(%d)", int(t))
}

// SchedulingMode is the scheduling submode of the application core.
type SchedulingMode int

const (
	// SchedTimeSliced lets system threads preempt the application within its
	// CPU-time share.
	SchedTimeSliced SchedulingMode = iota
	// SchedExclusive reserves the application core for the application.
	SchedExclusive
)

func (m SchedulingMode) String() string {
	if m == SchedExclusive {
		return "exclusive"
	}
	return "time-sliced"
}

// Variant identifies the hardware model the kernel is running on.
type Variant int

const (
	VariantBase Variant = iota
	VariantHighEnd
)

func (v Variant) String() string {
	if v == VariantHighEnd {
		return "high-end"
	}
	return "base"
}

// Version is a packed firmware version (major.minor.revision).
type Version uint32

// MakeVersion packs a firmware version.
func MakeVersion(major, minor, revision uint8) Version {
	return Version(uint32(major)<<24 | uint32(minor)<<16 | uint32(revision)<<8)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", uint8(v>>24), uint8(v>>16), uint8(v>>8))
}

// SystemInfo is the read-only configuration the kernel exposes to the
// process manager.
type SystemInfo struct {
	Variant     Variant
	Firmware    Version
	CoreVersion uint32
	// AppMemAlloc and SysMemAlloc are the sizes, in bytes, of the
	// application and system memory regions.
	AppMemAlloc uint32
	SysMemAlloc uint32
	NumCores    int
}

// ProcessImage is what a loader hands to the kernel to create a process.
type ProcessImage struct {
	TitleID uint64
	Name    string
	// Path and Args are used by backends that map processes onto host
	// executables; in-memory backends ignore them.
	Path string
	Args []string
	Env  []string
}

// PreloadedProcess describes a process started by the kernel before the
// process manager.
type PreloadedProcess struct {
	PID     PID
	Handle  Handle
	TitleID uint64
}

// Kernel is the set of kernel services the process manager consumes.
type Kernel interface {
	Info() SystemInfo

	CreateEvent(reset ResetType) (Handle, error)
	SignalEvent(h Handle) error
	ClearEvent(h Handle) error
	CloseHandle(h Handle) error

	// WaitSynchronization blocks until one of handles is signaled and
	// returns its index. A negative timeout waits forever. ErrTimeout is
	// returned when the timeout elapses first and ctx.Err() when the
	// context is done.
	WaitSynchronization(ctx context.Context, handles []Handle, timeout time.Duration) (int, error)

	// CreateProcess creates a process object in the not-yet-started state.
	CreateProcess(img ProcessImage) (Handle, error)
	ProcessID(h Handle) (PID, error)
	StartProcess(h Handle, priority int32, stackSize uint32) error
	TerminateProcess(h Handle) error
	SetProcessAffinityMask(h Handle, mask uint8, numCores int) error
	SetProcessIdealProcessor(h Handle, core int32) error
	SetProcessResourceLimits(h Handle, limit Handle) error
	DebugActiveProcess(pid PID) (Handle, error)

	CreateResourceLimit() (Handle, error)
	SetResourceLimitValues(limit Handle, types []LimitType, values []int64) error
	ResourceLimitValues(limit Handle, types []LimitType) ([]int64, error)

	SetSchedulingMode(mode SchedulingMode) error

	PreloadedProcesses() ([]PreloadedProcess, error)
}

// Mailbox delivers notifications to individual processes. Backends that
// support the termination-notification protocol implement it.
type Mailbox interface {
	// Deliver posts notification id to the process. ErrNotFound means the
	// process has no listener (or has already exited).
	Deliver(h Handle, id uint32) error
}
