package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"cronyaml/internal/config"
	"cronyaml/internal/eventbus"
	"cronyaml/internal/storage"
	"cronyaml/internal/task/executor"
	"cronyaml/internal/tasklog"
	logx "cronyaml/pkg/logx"
)

const echoJob = `
- name: g
  jobs:
    - name: j
      minutely: 60
      timeZone: UTC
      tasks:
        - name: t
          command: /bin/sh
          arguments: ["-c", "echo hello; echo world"]
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestMapHistoryConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      storage.Config
		enabled bool
		driver  string
		path    string
		wantErr bool
	}{
		{name: "disabled", in: storage.Config{}},
		{name: "none", in: storage.Config{Driver: "None"}},
		{name: "file default path", in: storage.Config{Driver: "file"}, enabled: true, driver: "file", path: filepath.Join("logs", "history")},
		{name: "sqlite explicit", in: storage.Config{Driver: "SQLite", Path: "/var/lib/h.db"}, enabled: true, driver: "sqlite", path: "/var/lib/h.db"},
		{name: "unknown", in: storage.Config{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapHistoryConfig(Options{LogDir: "logs", History: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled = %v, want %v", enabled, tc.enabled)
			}
			if !enabled {
				return
			}
			if sc.Driver != tc.driver || sc.Path != tc.path {
				t.Fatalf("config = %+v", sc)
			}
			if sc.Driver == "sqlite" && sc.BusyTimeout <= 0 {
				t.Fatalf("busy timeout not defaulted: %+v", sc)
			}
		})
	}
}

func TestHistoryRecorderPersistsRuns(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	bus := eventbus.New()
	rec := startHistory(bus, store, logx.Nop())
	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: executor.TaskEvent{Task: "ignored"}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: executor.TaskEvent{
		Group: "g", Job: "j", Task: "ok", Command: "true", Started: started, Duration: time.Second,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: executor.TaskEvent{
		Group: "g", Job: "j", Task: "bad", Command: "false", Started: started.Add(time.Minute), ExitCode: 1, Error: "exit status 1",
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	runs, err := store.RecentRuns(ctx, storage.Query{})
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2: %+v", len(runs), runs)
	}
	if runs[0].Task != "bad" || runs[0].OK() || runs[0].ExitCode != 1 {
		t.Fatalf("newest run = %+v", runs[0])
	}
	if runs[1].Task != "ok" || !runs[1].OK() || !runs[1].Started.Equal(started) {
		t.Fatalf("oldest run = %+v", runs[1])
	}
}

func TestNewFailsOnBrokenConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, err := New(Options{ConfigPath: filepath.Join(dir, "missing.yaml"), Logger: logx.Nop()}); err == nil {
		t.Fatal("expected error for missing config")
	}
	path := writeConfig(t, dir, "groups: [")
	if _, err := New(Options{ConfigPath: path, Logger: logx.Nop()}); err == nil {
		t.Fatal("expected error for malformed config")
	}
	if _, err := New(Options{Logger: logx.Nop()}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReloadPublishesConfigApplied(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, echoJob)
	a, err := New(Options{ConfigPath: path, LogDir: dir, Logger: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, unsub := a.Bus().Subscribe(4, eventbus.ConfigApplied)
	defer unsub()

	writeConfig(t, dir, echoJob+`    - name: k
      tasks:
        - {name: t, command: "true"}
`)
	res, err := a.cfgm.Reload()
	if err != nil || !res.Applied {
		t.Fatalf("Reload = %+v, %v", res, err)
	}
	select {
	case e := <-ch:
		change, ok := e.Data.(config.Change)
		if !ok || len(change.JobsAdded) != 1 || change.JobsAdded[0] != config.JobKey("g", "k") {
			t.Fatalf("event data = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no config.applied event")
	}
	if a.Config().JobCount() != 2 {
		t.Fatalf("jobs = %d, want 2", a.Config().JobCount())
	}
}

func TestAppRunsDueTasksAndRecordsHistory(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := t.TempDir()
	path := writeConfig(t, dir, echoJob)
	opts := Options{
		ConfigPath: path,
		Tick:       time.Hour,
		LogDir:     dir,
		Logger:     logx.Nop(),
		History:    storage.Config{Driver: "file"},
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A new job is due at once, so the startup tick runs it.
	deadline := time.Now().Add(5 * time.Second)
	for a.sched.LastTick().Time.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("startup tick never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rep := a.sched.LastTick(); rep.Jobs != 1 || rep.Tasks != 1 || rep.Failures != 0 {
		t.Fatalf("tick = %+v", rep)
	}
	job := a.Config().Job(config.JobKey("g", "j"))
	if next := job.NextRunTime(); !next.After(time.Now()) || next.UTC().Minute() != 0 || next.Second() != 0 {
		t.Fatalf("next run = %s, want the next full hour", next)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	data, err := os.ReadFile(tasklog.PathFor(dir, "g", "j", "t"))
	if err != nil {
		t.Fatalf("read task log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "hello") || !strings.HasSuffix(lines[1], "world") {
		t.Fatalf("task log = %q", data)
	}

	store, err := OpenHistory(opts)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer store.Close()
	runs, err := store.RecentRuns(context.Background(), storage.Query{Job: "j"})
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Task != "t" || !runs[0].OK() || runs[0].Lines != 2 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestStopStepHonorsLimit(t *testing.T) {
	t.Parallel()
	start := time.Now()
	release := make(chan struct{})
	defer close(release)
	stopStep(context.Background(), logx.Nop(), "stuck", 20*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("stopStep blocked for %s", took)
	}

	var ran bool
	stopStep(context.Background(), logx.Nop(), "quick", time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatal("step did not run")
	}
}
