package pm

import (
	"errors"
	"fmt"
)

// ErrRefCountOverflow is wrapped by the FatalError raised when a dependency
// reference count would pass 255.
var ErrRefCountOverflow = errors.New("pm: dependency reference count overflow")

// FatalError is the panic value for broken capacity invariants. The
// supervisor does not recover from it.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("pm: fatal: %s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(op string, err error) {
	panic(&FatalError{Op: op, Err: err})
}
