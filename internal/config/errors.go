package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoGroups is returned by a reload whose file holds no groups while the live
// config has some. A file caught mid-write reads as empty.
var ErrNoGroups = errors.New("config has no groups")

// ParseError reports a config source that could not be read or decoded at all.
// At startup it is fatal; on reload the previous snapshot stays live.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("config parse: %v", e.Err)
	}
	return fmt.Sprintf("config parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports one invalid group, job or task. The offending entity is
// left out of the snapshot; the rest of the config is still usable.
type ValidationError struct {
	Group string
	Job   string
	Task  string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Group != "" {
		fmt.Fprintf(&b, "group %q", e.Group)
	}
	if e.Job != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "job %q", e.Job)
	}
	if e.Task != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "task %q", e.Task)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%v", e.Err)
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }
