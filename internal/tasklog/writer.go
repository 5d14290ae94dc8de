package tasklog

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	logx "cronyaml/pkg/logx"

	"github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxLines  = 1000
	DefaultQueueSize = 64
	DefaultIdle      = time.Minute

	// MaxLineBytes caps one stored line. Longer lines are cut so the file can
	// always be read back for rotation.
	MaxLineBytes = 1 << 20
)

type Options struct {
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// QueueSize bounds pending lines per path.
	QueueSize int
	// Idle is how long a path consumer waits for work before exiting.
	Idle time.Duration
	Log  logx.Logger
}

// Writer appends lines to capped log files. It is safe for concurrent use.
type Writer struct {
	fs    afero.Fs
	log   logx.Logger
	queue int
	idle  time.Duration

	mu     sync.Mutex
	closed bool
	paths  map[string]*pathQueue
	warns  *cache.Cache // path -> *rate.Limiter, guarded by mu

	inflight  sync.WaitGroup // callers holding a queue reference
	consumers sync.WaitGroup
}

type request struct {
	line string
	max  int
	done chan error
}

// pathQueue is owned by one consumer goroutine. Only that goroutine touches the
// file or the cached line count.
type pathQueue struct {
	path string
	ch   chan request
	refs int // guarded by Writer.mu

	lines int // cached line count, -1 = unknown
	warn  *rate.Limiter
}

// Warning limiters outlive idle path queues so a path that fails on every
// run stays throttled.
const warnLimiterTTL = 15 * time.Minute

func New(opts Options) *Writer {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Writer{
		fs:    opts.Fs,
		log:   opts.Log,
		queue: opts.QueueSize,
		idle:  opts.Idle,
		paths: map[string]*pathQueue{},
		warns: cache.New(warnLimiterTTL, 2*warnLimiterTTL),
	}
}

func (w *Writer) warnLimiter(path string) *rate.Limiter {
	if v, ok := w.warns.Get(path); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(time.Minute), 3)
	w.warns.SetDefault(path, l)
	return l
}

// Append writes line to path and returns once it is on disk, keeping the file
// at no more than maxLines lines (the new one included). maxLines <= 0 means
// DefaultMaxLines. A failure is returned as *WriteError.
//
// ctx only bounds the wait for queue space; once queued the line is written.
func (w *Writer) Append(ctx context.Context, path, line string, maxLines int) error {
	q, err := w.acquire(path)
	if err != nil {
		return err
	}
	defer w.release(q)

	req := request{line: line, max: maxLines, done: make(chan error, 1)}
	select {
	case q.ch <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.done
}

func (w *Writer) acquire(path string) (*pathQueue, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	q := w.paths[path]
	if q == nil {
		q = &pathQueue{
			path:  path,
			ch:    make(chan request, w.queue),
			lines: -1,
			warn:  w.warnLimiter(path),
		}
		w.paths[path] = q
		w.consumers.Add(1)
		go w.consume(q)
	}
	q.refs++
	w.inflight.Add(1)
	return q, nil
}

func (w *Writer) release(q *pathQueue) {
	w.mu.Lock()
	q.refs--
	w.mu.Unlock()
	w.inflight.Done()
}

func (w *Writer) consume(q *pathQueue) {
	defer w.consumers.Done()
	idle := time.NewTimer(w.idle)
	defer idle.Stop()
	for {
		select {
		case req, ok := <-q.ch:
			if !ok {
				return
			}
			err := w.write(q, req.line, req.max)
			if err != nil {
				err = &WriteError{Path: q.path, Err: err}
				if q.warn.Allow() {
					w.log.Warn("task log write failed", logx.String("path", q.path), logx.Err(err))
				}
			}
			req.done <- err
			idle.Reset(w.idle)
		case <-idle.C:
			w.mu.Lock()
			if q.refs == 0 && len(q.ch) == 0 && !w.closed {
				delete(w.paths, q.path)
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			idle.Reset(w.idle)
		}
	}
}

func (w *Writer) write(q *pathQueue, line string, maxLines int) error {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	line = truncateLine(strings.TrimRight(line, "\r\n"))

	if q.lines < 0 {
		if err := w.fs.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
			return err
		}
		n, err := w.countLines(q.path)
		if err != nil {
			return err
		}
		q.lines = n
	}

	if q.lines < maxLines {
		if err := w.appendLine(q.path, line); err != nil {
			q.lines = -1
			return err
		}
		q.lines++
		return nil
	}

	if err := w.rotate(q.path, line, maxLines); err != nil {
		q.lines = -1
		return err
	}
	q.lines = maxLines
	return nil
}

func (w *Writer) appendLine(path, line string) error {
	f, err := w.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(line + "\n")
	cerr := f.Close()
	return errors.Join(werr, cerr)
}

// rotate rewrites path with its newest maxLines-1 lines followed by line.
func (w *Writer) rotate(path, line string, maxLines int) error {
	lines, err := w.readLines(path)
	if err != nil {
		return err
	}
	if keep := maxLines - 1; len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	lines = append(lines, line)

	f, err := w.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for _, l := range lines {
		_, _ = bw.WriteString(l)
		_ = bw.WriteByte('\n')
	}
	ferr := bw.Flush()
	cerr := f.Close()
	return errors.Join(ferr, cerr)
}

func (w *Writer) readLines(path string) ([]string, error) {
	f, err := w.fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes+1)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

// truncateLine cuts line to MaxLineBytes without splitting a rune.
func truncateLine(line string) string {
	if len(line) <= MaxLineBytes {
		return line
	}
	n := MaxLineBytes
	for n > 0 && !utf8.RuneStart(line[n]) {
		n--
	}
	return line[:n]
}

func (w *Writer) countLines(path string) (int, error) {
	lines, err := w.readLines(path)
	return len(lines), err
}

// Close waits for in-flight appends, stops every consumer and rejects further
// appends with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.inflight.Wait()

	w.mu.Lock()
	for p, q := range w.paths {
		close(q.ch)
		delete(w.paths, p)
	}
	w.mu.Unlock()
	w.consumers.Wait()
	return nil
}

// active returns the number of live path consumers.
func (w *Writer) active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.paths)
}
