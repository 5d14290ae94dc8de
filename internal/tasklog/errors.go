package tasklog

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("tasklog: writer closed")

// WriteError reports a line that could not be written. The line is lost; callers
// keep going.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("tasklog write %s: %v", e.Path, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }
