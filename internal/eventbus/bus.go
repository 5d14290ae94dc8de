package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and executor.
const (
	SchedulerTick = "scheduler.tick"
	JobStarted    = "job.started"
	JobFinished   = "job.finished"
	TaskStarted   = "task.started"
	TaskFinished  = "task.finished"
	TaskFailed    = "task.failed"
	ConfigApplied = "config.applied"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type is in types, or every event when
	// types is empty.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts events discarded because a subscriber was full.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]bool
}

func (s *sub) wants(t string) bool { return len(s.types) == 0 || s.types[t] }

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A subscriber may unsubscribe (and close) concurrently; recover from
		// the send-on-closed panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
