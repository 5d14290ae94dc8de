package config

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Alignment selects how a job's next run is derived from the time it finished.
type Alignment string

const (
	// AlignGrid snaps the next run to a multiple of the interval counted from midnight.
	AlignGrid Alignment = "grid"
	// AlignInterval adds the interval to the finish time.
	AlignInterval Alignment = "interval"
)

const (
	DefaultMaxLogLines     = 1000
	DefaultIntervalMinutes = 24 * 60
)

// Snapshot is one fully parsed configuration. It is never mutated after it has
// been published; reloads build a new Snapshot and swap the reference.
type Snapshot struct {
	Source   string
	Hash     uint64
	LoadedAt time.Time
	Groups   []*Group

	// Issues lists entities that failed validation and were left out.
	Issues []*ValidationError

	jobs map[string]*Job
}

// Job returns the job with the given identity key ("group|job"), or nil.
func (s *Snapshot) Job(key string) *Job {
	if s == nil {
		return nil
	}
	return s.jobs[key]
}

// JobCount returns the number of jobs across all groups.
func (s *Snapshot) JobCount() int {
	if s == nil {
		return 0
	}
	return len(s.jobs)
}

// Empty reports whether there is nothing to schedule.
func (s *Snapshot) Empty() bool { return s == nil || len(s.Groups) == 0 }

type Group struct {
	Name   string
	Active bool
	Jobs   []*Job
}

// Job is a recurring unit of work. All exported fields are fixed at parse time;
// only the schedule state (next run time) changes while the job is live.
type Job struct {
	Group  string
	Name   string
	Active bool

	// IntervalMinutes is the effective interval (minutely > hourly > daily > 1 day).
	// It is 0 when the job is driven by Cron.
	IntervalMinutes int
	Cron            string
	Alignment       Alignment

	TimeZone string
	// Location is nil when no time zone is configured.
	Location *time.Location

	PreserveNextRuntime bool
	Tasks               []*Task

	cronSched cron.Schedule
	defHash   uint64
	state     *scheduleState
}

// Key returns the identity key used to match jobs across reloads.
func (j *Job) Key() string { return JobKey(j.Group, j.Name) }

// JobKey builds the identity key for a group/job pair.
func JobKey(group, job string) string { return group + "|" + job }

// Interval returns the effective interval as a duration (0 for cron jobs).
func (j *Job) Interval() time.Duration {
	return time.Duration(j.IntervalMinutes) * time.Minute
}

// StampLocation is the zone used for output timestamps: the job's zone, else UTC.
func (j *Job) StampLocation() *time.Location {
	if j.Location != nil {
		return j.Location
	}
	return time.UTC
}

// gridLocation is the zone whose midnight anchors grid alignment.
func (j *Job) gridLocation() *time.Location {
	if j.Location != nil {
		return j.Location
	}
	return time.Local
}

type Task struct {
	Name             string
	Command          string
	Arguments        []string
	WorkingDirectory string
	Active           bool
	MaxLogLines      int
	// Timeout of 0 means "use the process-wide default".
	Timeout time.Duration
}

// scheduleState is the only mutable piece of a snapshot. A reload may hand the
// same cell to the job's successor so in-flight updates stay visible.
type scheduleState struct {
	mu   sync.Mutex
	next time.Time
}

func newScheduleState(next time.Time) *scheduleState {
	return &scheduleState{next: next}
}

func (s *scheduleState) get() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// advance moves next forward and never backward. It returns the stored value.
func (s *scheduleState) advance(next time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.After(s.next) {
		s.next = next
	}
	return s.next
}
