package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cronyaml/internal/config"
	"cronyaml/internal/eventbus"
	"cronyaml/internal/task/executor"
	logx "cronyaml/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type staticSource struct {
	mu    sync.Mutex
	snap  *config.Snapshot
	calls []time.Time
}

func (s *staticSource) Current() *config.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	return s.snap
}

type recordRunner struct {
	mu    sync.Mutex
	calls []string
	hook  func(req executor.Request) error
}

func (r *recordRunner) Run(ctx context.Context, req executor.Request) (executor.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req.Group+"/"+req.Job+"/"+req.Task.Name)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		return executor.Result{}, hook(req)
	}
	return executor.Result{}, nil
}

func (r *recordRunner) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func parse(t *testing.T, src string) *config.Snapshot {
	t.Helper()
	snap, err := config.Parse("test", []byte(src), t0)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	return snap
}

func newService(src Source, run Runner, bus eventbus.Bus) *Service {
	s := New(Config{Tick: time.Second}, src, run, bus, logx.Nop())
	s.SetClock(func() time.Time { return t0.Add(10 * time.Second) })
	return s
}

const ordered = `
- name: g
  jobs:
    - name: a
      minutely: 5
      timeZone: UTC
      tasks:
        - {name: one, command: x}
        - {name: off, command: x, active: false}
        - {name: two, command: x}
    - name: idle
      active: false
      tasks:
        - {name: never, command: x}
    - name: b
      minutely: 5
      timeZone: UTC
      tasks:
        - {name: three, command: x}
- name: sleeping
  active: false
  jobs:
    - name: c
      tasks:
        - {name: never, command: x}
`

func TestTickRunsDueJobsInOrder(t *testing.T) {
	t.Parallel()
	snap := parse(t, ordered)
	run := &recordRunner{}
	s := newService(&staticSource{snap: snap}, run, nil)

	rep := s.Tick(context.Background(), t0)
	want := "g/a/one|g/a/two|g/b/three"
	if got := strings.Join(run.got(), "|"); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
	if rep.Groups != 1 || rep.Jobs != 2 || rep.Tasks != 3 || rep.Failures != 0 {
		t.Fatalf("report = %+v", rep)
	}

	next := time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC)
	for _, key := range []string{"g|a", "g|b"} {
		if got := snap.Job(key).NextRunTime(); !got.Equal(next) {
			t.Fatalf("%s next = %s, want %s", key, got, next)
		}
	}
	if got := snap.Job("g|idle").NextRunTime(); !got.Equal(t0) {
		t.Fatalf("inactive job was reset to %s", got)
	}
	if s.LastTick().Jobs != 2 {
		t.Fatalf("LastTick = %+v", s.LastTick())
	}
}

func TestTickNothingDue(t *testing.T) {
	t.Parallel()
	run := &recordRunner{}
	s := newService(&staticSource{snap: parse(t, ordered)}, run, nil)
	rep := s.Tick(context.Background(), t0.Add(-time.Second))
	if n := len(run.got()); n != 0 || rep.Jobs != 0 {
		t.Fatalf("spawned %d tasks before anything was due", n)
	}
}

func TestTickNilSnapshot(t *testing.T) {
	t.Parallel()
	run := &recordRunner{}
	s := newService(&staticSource{}, run, nil)
	if rep := s.Tick(context.Background(), t0); rep.Groups != 0 || len(run.got()) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestTickFailuresDoNotStopSiblings(t *testing.T) {
	t.Parallel()
	run := &recordRunner{hook: func(req executor.Request) error {
		switch req.Task.Name {
		case "one":
			panic("boom")
		case "two":
			return errors.New("exit 1")
		}
		return nil
	}}
	s := newService(&staticSource{snap: parse(t, ordered)}, run, nil)

	rep := s.Tick(context.Background(), t0)
	if rep.Tasks != 3 || rep.Failures != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if got := run.got(); len(got) != 3 || got[2] != "g/b/three" {
		t.Fatalf("calls = %v", got)
	}
}

func TestTickGroupsRunInParallel(t *testing.T) {
	t.Parallel()
	snap := parse(t, `
- name: g1
  jobs:
    - name: j
      tasks: [{name: t, command: x}]
- name: g2
  jobs:
    - name: j
      tasks: [{name: t, command: x}]
`)
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()
	run := &recordRunner{hook: func(req executor.Request) error {
		started.Done()
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("groups did not overlap")
		}
	}}
	s := newService(&staticSource{snap: snap}, run, nil)
	if rep := s.Tick(context.Background(), t0); rep.Failures != 0 || rep.Groups != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestTickCancelledStopsGroup(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	run := &recordRunner{hook: func(req executor.Request) error {
		cancel()
		return ctx.Err()
	}}
	s := newService(&staticSource{snap: parse(t, ordered)}, run, nil)
	s.Tick(ctx, t0)
	if got := run.got(); len(got) != 1 {
		t.Fatalf("calls after cancel = %v", got)
	}
}

func TestTickPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	s := newService(&staticSource{snap: parse(t, ordered)}, &recordRunner{}, bus)
	s.Tick(context.Background(), t0)

	var types []string
	for len(types) < 5 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	want := "job.started|job.finished|job.started|job.finished|scheduler.tick"
	if got := strings.Join(types, "|"); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
}

func TestRunWaitsFullTickAfterBarrier(t *testing.T) {
	t.Parallel()
	const tick = 40 * time.Millisecond
	const work = 30 * time.Millisecond

	// The job is due only on the first tick; it sleeps so the barrier is late.
	snap, err := config.Parse("test", []byte(`
- name: g
  jobs:
    - {name: j, daily: 1, tasks: [{name: t, command: x}]}
`), time.Now())
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	src := &staticSource{snap: snap}
	run := &recordRunner{hook: func(executor.Request) error {
		time.Sleep(work)
		return nil
	}}
	s := New(Config{Tick: tick}, src, run, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	begin := time.Now()
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		src.mu.Lock()
		n := len(src.calls)
		src.mu.Unlock()
		if n >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d ticks", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}

	src.mu.Lock()
	calls := append([]time.Time(nil), src.calls...)
	src.mu.Unlock()
	if calls[0].Sub(begin) > tick/2 {
		t.Fatalf("first tick was not immediate: %s", calls[0].Sub(begin))
	}
	if gap := calls[1].Sub(calls[0]); gap < tick+work {
		t.Fatalf("first gap %s, want >= %s", gap, tick+work)
	}
	for i := 2; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < tick {
			t.Fatalf("gap %d = %s, want >= %s", i, gap, tick)
		}
	}
	if n := len(run.got()); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}
