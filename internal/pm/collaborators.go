package pm

import (
	"context"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/pkg/types"
)

// Loader registers programs and materializes their processes.
type Loader interface {
	RegisterProgram(prog, update program.Info) (uint64, error)
	ProgramMetadata(programHandle uint64) (*program.Metadata, error)
	LoadProcess(programHandle uint64) (kernel.Handle, error)
	UnregisterProgram(programHandle uint64) error
}

// StorageRegistrar grants processes access to their storage.
type StorageRegistrar interface {
	Register(pid kernel.PID, programHandle uint64, prog program.Info, storage program.StorageInfo) error
	Unregister(pid kernel.PID) error
}

// ServiceRegistrar grants processes access to named services.
type ServiceRegistrar interface {
	RegisterProcess(pid kernel.PID, services []string) error
	UnregisterProcess(pid kernel.PID) error
}

// Notifier posts notifications. PublishToProcess must not block and reports
// kernel.ErrNotFound when the process has no listener.
type Notifier interface {
	PublishToProcess(id uint32, process kernel.Handle) error
	PublishToSubscribers(id uint32)
}

// EventSink receives lifecycle events. Emit is called outside the registry
// lock and may block on I/O.
type EventSink interface {
	Emit(ctx context.Context, ev types.Event)
}

// Notification ids.
const (
	NotifyTerminationRequest  uint32 = 0x100
	NotifyApplicationLaunched uint32 = 0x10C
	// NotifyProcessTerminated is offset by the record's notification
	// variant.
	NotifyProcessTerminated uint32 = 0x110
)

type discardSink struct{}

func (discardSink) Emit(context.Context, types.Event) {}
