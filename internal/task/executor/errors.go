package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNoCommand = errors.New("executor: task has no command")

// SpawnError means the process could not be started (missing binary, bad
// working directory, ...).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Command, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError means the process ran and exited unsuccessfully. Code is -1 when it
// was terminated by a signal.
type ExitError struct {
	Command string
	Code    int
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
}
func (e *ExitError) Unwrap() error { return e.Err }

// TimeoutError means the process was killed after running for Timeout.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s killed after timeout %s", e.Command, e.Timeout)
}

// Is lets callers match timeouts with errors.Is(err, context.DeadlineExceeded).
func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }
