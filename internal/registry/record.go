package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/pmd/pmd/internal/kernel"
)

// Flags is the per-record flag set.
type Flags uint16

const (
	// FlagNotifyOnTermination asks for the cooperative termination protocol
	// and a subscriber broadcast when the process exits.
	FlagNotifyOnTermination Flags = 1 << iota
	// FlagKernelPreloaded marks processes started by the kernel. They are
	// never unregistered from the external services.
	FlagKernelPreloaded
	// FlagDependenciesResolved marks records whose dependency closure was
	// loaded; their exit releases those dependencies.
	FlagDependenciesResolved
	// FlagAutoLoaded marks processes created to satisfy a dependency.
	FlagAutoLoaded
	// FlagTerminatedAfterNotification is set by the monitor on records that
	// are kept after exit until explicitly unregistered.
	FlagTerminatedAfterNotification
)

var flagNames = []string{
	"notify_on_termination",
	"kernel_preloaded",
	"dependencies_resolved",
	"auto_loaded",
	"terminated_after_notification",
}

func (f Flags) Has(x Flags) bool { return f&x == x }

// Names lists the names of the set flags.
func (f Flags) Names() []string {
	var parts []string
	for i, n := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return parts
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// TerminationStatus tracks a record through the termination protocol.
type TerminationStatus uint8

const (
	StatusRunning TerminationStatus = iota
	StatusNotificationSent
	StatusNotificationFailed
	StatusTerminated
)

func (s TerminationStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusNotificationSent:
		return "notification_sent"
	case StatusNotificationFailed:
		return "notification_failed"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// MaxRefCount is the largest value a record's reference count can hold.
const MaxRefCount = 0xFF

// Record is the registry entry of one process.
type Record struct {
	PID           kernel.PID
	Handle        kernel.Handle
	TitleID       uint64
	ProgramHandle uint64
	Flags         Flags
	// NotifyVariant is added to the process-terminated notification id.
	NotifyVariant uint8
	Status        TerminationStatus
	RefCount      uint8
	Created       time.Time
}

// Live reports whether the kernel has not yet confirmed the exit.
func (r *Record) Live() bool { return r.Status != StatusTerminated }
