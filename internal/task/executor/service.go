package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"cronyaml/internal/config"
	"cronyaml/internal/eventbus"
	"cronyaml/internal/tasklog"
	logx "cronyaml/pkg/logx"
)

const (
	// StampLayout prefixes every captured line: [YY-MM-DD HH:MM:SS].
	StampLayout = "06-01-02 15:04:05"

	maxLineBytes     = tasklog.MaxLineBytes
	defaultWaitDelay = 5 * time.Second
)

// LineWriter receives captured output lines. *tasklog.Writer implements it.
type LineWriter interface {
	Append(ctx context.Context, path, line string, maxLines int) error
}

type Config struct {
	// LogDir is the root of <group>/<job>/<task>.log.
	LogDir string
	// DefaultTimeout applies to tasks without their own timeout. 0 disables it.
	DefaultTimeout time.Duration
	// WaitDelay bounds how long Wait lingers on open pipes after a kill.
	WaitDelay time.Duration
}

// Request identifies one task run.
type Request struct {
	Group string
	Job   string
	Task  *config.Task
	// Location stamps output lines. nil means UTC.
	Location *time.Location
}

type Result struct {
	LogPath     string
	PID         int
	Started     time.Time
	Duration    time.Duration
	ExitCode    int
	Lines       int
	WriteErrors int
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	Group    string        `json:"group"`
	Job      string        `json:"job"`
	Task     string        `json:"task"`
	Command  string        `json:"command"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exit_code"`
	Lines    int           `json:"lines"`
	Error    string        `json:"error,omitempty"`
}

type Service struct {
	cfg Config
	out LineWriter
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, out LineWriter, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, out: out, bus: bus, log: log, now: time.Now}
}

// SetClock overrides the time source used for line stamps. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Run starts the task, writes each stdout line to its log file and waits for the
// process to exit. Failures are *SpawnError, *ExitError or *TimeoutError; a
// cancelled ctx yields an error wrapping ctx.Err().
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	t := req.Task
	if t == nil || strings.TrimSpace(t.Command) == "" {
		return Result{}, ErrNoCommand
	}
	loc := req.Location
	if loc == nil {
		loc = time.UTC
	}
	res := Result{LogPath: tasklog.PathFor(s.cfg.LogDir, req.Group, req.Job, t.Name)}
	log := s.log.With(logx.String("group", req.Group), logx.String("job", req.Job), logx.String("task", t.Name))

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.Command, t.Arguments...)
	cmd.Dir = t.WorkingDirectory
	// Stdin and Stderr stay nil: read from and written to the null device.
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessTree(cmd) }
	cmd.WaitDelay = s.cfg.WaitDelay

	// exec copies stdout into pw; the scanner consumes pr. WaitDelay bounds the
	// copy when a killed process leaves descendants holding the pipe.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	res.Started = time.Now()
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		res.ExitCode = -1
		err = &SpawnError{Command: t.Command, Err: err}
		s.finish(log, req, res, err)
		return res, err
	}
	res.PID = cmd.Process.Pid
	log.Debug("task.started", logx.String("command", t.Command), logx.Strings("args", t.Arguments), logx.Int("pid", res.PID))
	s.publish(eventbus.TaskStarted, req, res, nil)

	var lines, writeErrs int
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		lines, writeErrs = s.scan(ctx, log, pr, res.LogPath, loc, t.MaxLogLines)
	}()

	waitErr := cmd.Wait()
	_ = pw.Close()
	<-scanned
	res.Lines, res.WriteErrors = lines, writeErrs
	res.Duration = time.Since(res.Started)
	res.ExitCode = cmd.ProcessState.ExitCode()

	err := s.classify(runCtx, ctx, t, timeout, waitErr, res.ExitCode)
	s.finish(log, req, res, err)
	return res, err
}

func (s *Service) scan(ctx context.Context, log logx.Logger, r io.Reader, path string, loc *time.Location, maxLines int) (lines, writeErrs int) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := "[" + s.now().In(loc).Format(StampLayout) + "] " + sc.Text()
		lines++
		log.Trace("task.output", logx.String("line", line))
		// Output is written even while ctx is being cancelled.
		if err := s.out.Append(context.WithoutCancel(ctx), path, line, maxLines); err != nil {
			// The writer rate-limits its own warnings.
			writeErrs++
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("task output unreadable; discarding the rest", logx.Err(err))
		_, _ = io.Copy(io.Discard, r)
	}
	return lines, writeErrs
}

func (s *Service) classify(runCtx, parent context.Context, t *config.Task, timeout time.Duration, waitErr error, code int) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%s: %w", t.Command, parent.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &TimeoutError{Command: t.Command, Timeout: timeout}
	case waitErr == nil:
		return nil
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return &ExitError{Command: t.Command, Code: code, Err: waitErr}
	}
	return fmt.Errorf("%s: %w", t.Command, waitErr)
}

func (s *Service) finish(log logx.Logger, req Request, res Result, err error) {
	fields := []logx.Field{
		logx.Int("exit_code", res.ExitCode),
		logx.Int("lines", res.Lines),
		logx.Duration("dur", res.Duration),
	}
	if res.WriteErrors > 0 {
		fields = append(fields, logx.Int("write_errors", res.WriteErrors))
	}
	if err != nil {
		log.Warn("task.failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TaskFailed, req, res, err)
		return
	}
	log.Info("task.finished", fields...)
	s.publish(eventbus.TaskFinished, req, res, nil)
}

func (s *Service) publish(typ string, req Request, res Result, err error) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{
		Group:    req.Group,
		Job:      req.Job,
		Task:     req.Task.Name,
		Command:  req.Task.Command,
		Started:  res.Started,
		Duration: res.Duration,
		ExitCode: res.ExitCode,
		Lines:    res.Lines,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
