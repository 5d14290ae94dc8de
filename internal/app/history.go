package app

import (
	"context"
	"time"

	"cronyaml/internal/eventbus"
	"cronyaml/internal/storage"
	"cronyaml/internal/task/executor"
	logx "cronyaml/pkg/logx"
)

const historyWriteTimeout = 2 * time.Second

// historyRecorder persists finished task runs from the event bus. It owns no
// context: it drains until its subscription is closed, so runs that finish
// during shutdown are still recorded.
type historyRecorder struct {
	store storage.Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()
	done   chan struct{}
}

func startHistory(bus eventbus.Bus, store storage.Store, log logx.Logger) *historyRecorder {
	ch, unsub := bus.Subscribe(256, eventbus.TaskFinished, eventbus.TaskFailed)
	r := &historyRecorder{store: store, log: log, events: ch, unsub: unsub, done: make(chan struct{})}
	go r.loop()
	return r
}

func (r *historyRecorder) loop() {
	defer close(r.done)
	for e := range r.events {
		ev, ok := e.Data.(executor.TaskEvent)
		if !ok {
			continue
		}
		r.record(ev)
	}
}

func (r *historyRecorder) record(ev executor.TaskEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("history record panicked", logx.Any("panic", rec))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	err := r.store.AppendRun(ctx, storage.RunRecord{
		Started:  ev.Started,
		Group:    ev.Group,
		Job:      ev.Job,
		Task:     ev.Task,
		Command:  ev.Command,
		Duration: ev.Duration,
		ExitCode: ev.ExitCode,
		Lines:    ev.Lines,
		Error:    ev.Error,
	})
	if err != nil {
		r.log.Warn("history append failed",
			logx.String("group", ev.Group),
			logx.String("job", ev.Job),
			logx.String("task", ev.Task),
			logx.Err(err),
		)
	}
}

// Close stops the subscription and waits for queued runs to be written.
func (r *historyRecorder) Close(ctx context.Context) error {
	r.unsub()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
