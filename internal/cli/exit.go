package cli

import (
	"errors"
	"fmt"

	"github.com/pmd/pmd/internal/client"
)

// Exit codes. A call the server answered with a result code exits with
// ExitResult so scripts can tell it apart from a transport failure.
const (
	ExitFailure = 1
	ExitResult  = 3
)

// ExitError is returned by commands that want to control the process exit code
// without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return ExitFailure
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func callError(err error) error {
	if err == nil {
		return nil
	}
	var ce *client.Error
	if errors.As(err, &ce) && ce.Result != 0 {
		return &ExitError{code: ExitResult, message: ce.Error()}
	}
	return err
}
