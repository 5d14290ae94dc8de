package scheduler

import (
	"context"
	"time"

	"cronyaml/internal/config"
	"cronyaml/internal/task/executor"
)

const DefaultTick = 10 * time.Second

type Config struct {
	// Tick is the pause between the end of one tick and the start of the next.
	Tick time.Duration
}

// Source yields the live snapshot. *config.Manager implements it.
type Source interface {
	Current() *config.Snapshot
}

// Runner executes one task. *executor.Service implements it.
type Runner interface {
	Run(ctx context.Context, req executor.Request) (executor.Result, error)
}

// TickReport summarizes one tick.
type TickReport struct {
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"duration"`
	Groups   int           `json:"groups"`
	Jobs     int           `json:"jobs"`
	Tasks    int           `json:"tasks"`
	Failures int           `json:"failures"`
}

// JobEvent is published as job.started and job.finished.
type JobEvent struct {
	Group    string        `json:"group"`
	Job      string        `json:"job"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Tasks    int           `json:"tasks"`
	Failures int           `json:"failures"`
	NextRun  time.Time     `json:"next_run,omitempty"`
}
