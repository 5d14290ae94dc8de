package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const DefaultRetain = 10000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	Retain      int           // max records kept; 0 means DefaultRetain
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished task run.
// Keep it compact and schema-stable.
type RunRecord struct {
	Started  time.Time     `json:"started"`
	Group    string        `json:"group"`
	Job      string        `json:"job"`
	Task     string        `json:"task"`
	Command  string        `json:"command"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exit_code"`
	Lines    int           `json:"lines"`
	Error    string        `json:"error,omitempty"`
}

func (r RunRecord) OK() bool { return r.Error == "" }

// Query selects recent runs. Empty Group/Job match everything.
type Query struct {
	Limit int
	Group string
	Job   string
}

func (q Query) match(r RunRecord) bool {
	return (q.Group == "" || q.Group == r.Group) && (q.Job == "" || q.Job == r.Job)
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

func retainOrDefault(n int) int {
	if n <= 0 {
		return DefaultRetain
	}
	return n
}
