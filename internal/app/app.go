package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cronyaml/internal/config"
	"cronyaml/internal/eventbus"
	"cronyaml/internal/runtime/supervisor"
	"cronyaml/internal/storage"
	"cronyaml/internal/task/executor"
	"cronyaml/internal/task/scheduler"
	"cronyaml/internal/tasklog"
	logx "cronyaml/pkg/logx"
	"cronyaml/pkg/systemd"
)

// Options are the process settings. They come from the command line only; the
// job file carries no process settings.
type Options struct {
	ConfigPath string

	Tick        time.Duration
	LogDir      string
	LogQueue    int
	TaskTimeout time.Duration

	Logging logx.Config
	// Logger, when set, replaces the logging service built from Logging.
	Logger logx.Logger

	History storage.Config
}

type App struct {
	opts Options

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	base  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sd    *systemd.Notifier

	writer *tasklog.Writer
	exec   *executor.Service
	sched  *scheduler.Service

	history *historyRecorder
}

func New(opts Options) (*App, error) {
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, errors.New("config path is required")
	}
	if opts.LogDir == "" {
		opts.LogDir = "."
	}

	var (
		logs *logx.Service
		log  = opts.Logger
	)
	if log.IsZero() {
		logs, log = logx.New(opts.Logging)
	}
	fail := func(err error) (*App, error) {
		if logs != nil {
			_ = logs.Close()
		}
		return nil, err
	}

	cfgm := config.NewManager(opts.ConfigPath)
	cfgm.SetLogger(log.Component("config"))
	if _, err := cfgm.Load(); err != nil {
		return fail(err)
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapHistoryConfig(opts); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.Component("storage"))
		if err != nil {
			return fail(fmt.Errorf("open history: %w", err))
		}
		store = st
		log.Info("history enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	writer := tasklog.New(tasklog.Options{
		QueueSize: opts.LogQueue,
		Log:       log.Component("tasklog"),
	})
	execSvc := executor.New(executor.Config{
		LogDir:         opts.LogDir,
		DefaultTimeout: opts.TaskTimeout,
	}, writer, bus, log.Component("executor"))
	schedSvc := scheduler.New(scheduler.Config{Tick: opts.Tick}, cfgm, execSvc, bus, log.Component("scheduler"))

	a := &App{
		opts:   opts,
		cfgm:   cfgm,
		base:   log,
		log:    log.Component("app"),
		logs:   logs,
		bus:    bus,
		store:  store,
		sd:     systemd.NewNotifier(log.Component("systemd")),
		writer: writer,
		exec:   execSvc,
		sched:  schedSvc,
	}
	cfgm.SetReloadHooks(config.ReloadHooks{
		Before: a.sd.Reloading,
		After:  a.onReload,
	})
	return a, nil
}

func (a *App) onReload(res config.ReloadResult) {
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: res.Change})
	a.sd.Ready()
	a.sd.Status(statusLine(res.Snapshot))
}

func statusLine(s *config.Snapshot) string {
	if s == nil {
		return "no config"
	}
	return fmt.Sprintf("%d groups, %d jobs, %d issues", len(s.Groups), s.JobCount(), len(s.Issues))
}

// Config returns the live snapshot.
func (a *App) Config() *config.Snapshot { return a.cfgm.Current() }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.base.Component("supervisor")),
		supervisor.WithCancelOnError(true),
	)

	if a.store != nil {
		a.history = startHistory(a.bus, a.store, a.base.Component("history"))
	}

	// A watcher failure never stops scheduling; the live snapshot stays in use.
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("scheduler", a.sched.Run)

	abs, _ := filepath.Abs(a.opts.ConfigPath)
	a.log.Info("started",
		logx.String("config", abs),
		logx.String("log_dir", a.opts.LogDir),
		logx.Duration("tick", a.opts.Tick),
	)
	a.sd.Ready()
	a.sd.Status(statusLine(a.cfgm.Current()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancelling first lets running tasks be killed while the loops unwind.
	a.sup.Cancel()

	stopStep(ctx, a.log, "supervisor", 15*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	stopStep(ctx, a.log, "history", 3*time.Second, func(c context.Context) error {
		if a.history != nil {
			return a.history.Close(c)
		}
		return nil
	})
	stopStep(ctx, a.log, "tasklog", 3*time.Second, func(c context.Context) error { return a.writer.Close() })
	stopStep(ctx, a.log, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
