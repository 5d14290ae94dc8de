package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"cronyaml/internal/config"
	"cronyaml/internal/eventbus"
	"cronyaml/internal/task/executor"
	logx "cronyaml/pkg/logx"
)

type Service struct {
	cfg Config
	src Source
	run Runner
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time

	mu   sync.Mutex
	last TickReport
}

func New(cfg Config, src Source, run Runner, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, run: run, bus: bus, log: log, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// LastTick returns the report of the most recent completed tick.
func (s *Service) LastTick() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run ticks immediately, then once per Tick after each tick completes, until ctx
// is done.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.Tick))
	defer s.log.Info("scheduler stopped")

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		s.Tick(ctx, s.now())
		if ctx.Err() != nil {
			return nil
		}
		t.Reset(s.cfg.Tick)
	}
}

// Tick runs every due job once against the snapshot that is live right now.
func (s *Service) Tick(ctx context.Context, now time.Time) TickReport {
	rep := TickReport{Time: now}
	start := time.Now()
	snap := s.src.Current()
	if snap.Empty() {
		s.record(rep)
		return rep
	}

	groups := make([]TickReport, len(snap.Groups))
	var wg sync.WaitGroup
	for i, g := range snap.Groups {
		if !g.Active {
			continue
		}
		rep.Groups++
		wg.Add(1)
		go func(i int, g *config.Group) {
			defer wg.Done()
			groups[i] = s.runGroup(ctx, g, now)
		}(i, g)
	}
	wg.Wait()

	for _, g := range groups {
		rep.Jobs += g.Jobs
		rep.Tasks += g.Tasks
		rep.Failures += g.Failures
	}
	rep.Duration = time.Since(start)
	s.record(rep)

	if rep.Jobs > 0 {
		s.log.Debug("tick done",
			logx.Int("groups", rep.Groups),
			logx.Int("jobs", rep.Jobs),
			logx.Int("tasks", rep.Tasks),
			logx.Int("failures", rep.Failures),
			logx.Duration("dur", rep.Duration),
		)
	}
	return rep
}

func (s *Service) record(rep TickReport) {
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerTick, Time: rep.Time, Data: rep})
	}
}

func (s *Service) runGroup(ctx context.Context, g *config.Group, now time.Time) TickReport {
	var rep TickReport
	for _, j := range g.Jobs {
		if ctx.Err() != nil {
			break
		}
		if !j.Active || !j.IsDue(now) {
			continue
		}
		rep.Jobs++
		tasks, failures := s.runJob(ctx, j)
		rep.Tasks += tasks
		rep.Failures += failures
	}
	return rep
}

func (s *Service) runJob(ctx context.Context, j *config.Job) (tasks, failures int) {
	start := time.Now()
	log := s.log.With(logx.String("group", j.Group), logx.String("job", j.Name))
	s.publish(eventbus.JobStarted, JobEvent{Group: j.Group, Job: j.Name, Started: start})
	log.Debug("job.started", logx.Time("due", j.NextRunTime()))

	for _, t := range j.Tasks {
		if !t.Active {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		tasks++
		if err := s.runTask(ctx, j, t); err != nil {
			failures++
		}
	}

	// The next run is computed from the finish time.
	next := j.ResetNextRunTime(s.now())
	dur := time.Since(start)
	s.publish(eventbus.JobFinished, JobEvent{
		Group:    j.Group,
		Job:      j.Name,
		Started:  start,
		Duration: dur,
		Tasks:    tasks,
		Failures: failures,
		NextRun:  next,
	})
	log.Info("job.finished",
		logx.Int("tasks", tasks),
		logx.Int("failures", failures),
		logx.Duration("dur", dur),
		logx.Time("next_run", next),
	)
	return tasks, failures
}

// runTask guards against panics so one bad task can't take down its group.
func (s *Service) runTask(ctx context.Context, j *config.Job, t *config.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic",
				logx.String("group", j.Group),
				logx.String("job", j.Name),
				logx.String("task", t.Name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	_, err = s.run.Run(ctx, executor.Request{
		Group:    j.Group,
		Job:      j.Name,
		Task:     t,
		Location: j.StampLocation(),
	})
	return err
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
