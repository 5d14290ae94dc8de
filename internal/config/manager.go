package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "cronyaml/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Manager owns the live snapshot. Readers call Current and get whatever was
// last published; one reload at a time builds a candidate, merges schedule state
// from the live snapshot into it and swaps it in.
type Manager struct {
	path string

	cur atomic.Pointer[Snapshot]

	// reloadMu serializes Load/Reload so merges never interleave.
	reloadMu sync.Mutex

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Snapshot

	log      logx.Logger
	now      func() time.Time
	debounce time.Duration
	hooks    ReloadHooks
}

// ReloadHooks run around a reload that changes the live snapshot. They run on
// the reloading goroutine and must not call Reload.
type ReloadHooks struct {
	Before func()
	After  func(ReloadResult)
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), now: time.Now, debounce: defaultDebounce}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetClock overrides the time source used to stamp new jobs. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *Manager) SetReloadHooks(h ReloadHooks) { m.hooks = h }

// SetDebounce sets how long Watch waits for a burst of file events to settle.
func (m *Manager) SetDebounce(d time.Duration) {
	if d > 0 {
		m.debounce = d
	}
}

// Parse reads and parses the file without touching the live snapshot.
func (m *Manager) Parse() (*Snapshot, error) {
	return ParseFile(m.path, m.now())
}

// Load parses the file and installs it as the live snapshot. Used at startup,
// where a parse error is fatal to the caller.
func (m *Manager) Load() (*Snapshot, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	snap, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.logIssues(snap)
	m.cur.Store(snap)
	m.log.Info("config loaded",
		logx.String("path", m.path),
		logx.Int("groups", len(snap.Groups)),
		logx.Int("jobs", snap.JobCount()),
		logx.Int("issues", len(snap.Issues)),
	)
	return snap, nil
}

// Current returns the live snapshot (nil before Load).
func (m *Manager) Current() *Snapshot { return m.cur.Load() }

// ReloadResult reports what one Reload did.
type ReloadResult struct {
	Applied   bool
	Unchanged bool
	Snapshot  *Snapshot
	Change    Change
	Merge     MergeReport
}

// Reload re-reads the file. When its content is unchanged nothing happens. When
// it fails to parse, or holds no groups while the live snapshot does, the live
// snapshot is kept and the error returned. Otherwise schedule state is merged
// from the live snapshot, the candidate is installed and subscribers are
// notified.
func (m *Manager) Reload() (ReloadResult, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	old := m.cur.Load()
	cand, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed; keeping previous config", logx.String("path", m.path), logx.Err(err))
		return ReloadResult{Snapshot: old}, err
	}
	if cand.Empty() && !old.Empty() {
		err := &ParseError{Source: m.path, Err: ErrNoGroups}
		m.log.Warn("config reload found no groups; keeping previous config", logx.String("path", m.path))
		return ReloadResult{Snapshot: old}, err
	}
	if old != nil && cand.Hash != 0 && cand.Hash == old.Hash {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return ReloadResult{Unchanged: true, Snapshot: old}, nil
	}

	if m.hooks.Before != nil {
		m.hooks.Before()
	}
	m.logIssues(cand)
	rep := Merge(old, cand)
	change := SummarizeChange(old, cand)
	m.cur.Store(cand)
	m.publish(cand)

	fields := append([]logx.Field{
		logx.String("path", m.path),
		logx.Int("jobs", cand.JobCount()),
		logx.Int("carried", len(rep.Carried)),
		logx.String("hash", fmt.Sprintf("%x", cand.Hash)),
	}, change.Fields()...)
	m.log.Info("config reloaded", fields...)

	res := ReloadResult{Applied: true, Snapshot: cand, Change: change, Merge: rep}
	if m.hooks.After != nil {
		m.hooks.After(res)
	}
	return res, nil
}

func (m *Manager) logIssues(s *Snapshot) {
	for _, is := range s.Issues {
		m.log.Warn("config entry skipped",
			logx.String("group", is.Group),
			logx.String("job", is.Job),
			logx.String("task", is.Task),
			logx.String("field", is.Field),
			logx.Err(is.Err),
		)
	}
}

func (m *Manager) Subscribe(buffer int) chan *Snapshot {
	ch := make(chan *Snapshot, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Snapshot) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(s *Snapshot) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// If subscriber is slow and buffer is full, drop ONE oldest item then push the newest.
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
				m.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

// Watch reloads the file whenever it changes on disk until ctx is done. The
// parent directory is watched so editors that replace the file are handled.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	// When fsnotify gets into a bad state the watcher may stop delivering events
	// or close its channels. Recreate it with a small exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
		timer = time.AfterFunc(m.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			_, _ = m.Reload()
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events may have been missed; reload once and keep going.
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.log.Warn("config watch overflow; forcing reload", logx.Err(err), logx.String("dir", dir))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				if errors.Is(err, fsnotify.ErrClosed) {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.String("file", file),
			logx.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
