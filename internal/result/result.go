// Package result defines the status codes returned to callers of the process
// manager. A Code is an error; the zero Code means success and is never
// returned as an error value.
package result

import (
	"errors"
	"fmt"
)

// Code is a packed 32-bit status: description (bits 0-9), module (10-17),
// summary (21-26) and level (27-31).
type Code uint32

// Success is the zero result.
const Success Code = 0

// Domain results reported by the process manager.
const (
	ErrIncompatibleKernel Code = 0xC8A05800
	ErrPreparingForReboot Code = 0xC8A05801
	ErrAlreadyRunning     Code = 0xC8A05BF0
	ErrRequireBatchUpdate Code = 0xD8E05803
	ErrDebugNotQueued     Code = 0xD8A05805
	ErrDebugAlreadyQueued Code = 0xD8A05806
	ErrProcessNotFound    Code = 0xD88123F6
	ErrInvalidCPUTime     Code = 0xD8E05BF4
	ErrInvalidCommand     Code = 0xD900182F
	ErrSessionClosed      Code = 0xC920181A
	ErrOutOfSessions      Code = 0xD0401834
	// ErrInternal reports a collaborator failure that carries no code of
	// its own.
	ErrInternal Code = 0xD8A05BFF
)

var names = map[Code]string{
	ErrIncompatibleKernel: "incompatible kernel core version",
	ErrPreparingForReboot: "preparing for reboot",
	ErrAlreadyRunning:     "application already running",
	ErrRequireBatchUpdate: "title requires a batch update",
	ErrDebugNotQueued:     "no debug process queued",
	ErrDebugAlreadyQueued: "debug process already queued",
	ErrProcessNotFound:    "process not found",
	ErrInvalidCPUTime:     "cpu time share out of range",
	ErrInvalidCommand:     "invalid command",
	ErrSessionClosed:      "session closed by remote",
	ErrOutOfSessions:      "service session limit reached",
	ErrInternal:           "internal error",
}

func (c Code) Error() string {
	if n, ok := names[c]; ok {
		return fmt.Sprintf("result 0x%08X: %s", uint32(c), n)
	}
	return fmt.Sprintf("result 0x%08X", uint32(c))
}

// Failed reports whether c denotes a failure.
func (c Code) Failed() bool { return int32(c) < 0 }

func (c Code) Description() uint32 { return uint32(c) & 0x3FF }
func (c Code) Module() uint32      { return (uint32(c) >> 10) & 0xFF }
func (c Code) Summary() uint32     { return (uint32(c) >> 21) & 0x3F }
func (c Code) Level() uint32       { return (uint32(c) >> 27) & 0x1F }

// FromError maps err onto a wire code. Errors that do not wrap a Code are
// reported with the generic fallback.
func FromError(err error, fallback Code) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return fallback
}
