package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const twoJobs = `
- name: g
  jobs:
    - name: keep
      minutely: 5
      timeZone: UTC
    - name: fresh
      minutely: 5
      timeZone: UTC
      preserveNextRuntime: false
`

func TestMergeCarriesState(t *testing.T) {
	t.Parallel()
	old := mustParse(t, twoJobs)
	for _, g := range old.Groups {
		for _, j := range g.Jobs {
			j.ResetNextRunTime(t0)
		}
	}
	t1 := t0.Add(time.Minute)
	cand, err := Parse("test", []byte(twoJobs+"    - name: added\n"), t1)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	rep := Merge(old, cand)
	if len(rep.Carried) != 1 || rep.Carried[0] != "g|keep" {
		t.Fatalf("carried = %v", rep.Carried)
	}
	if len(rep.Reset) != 1 || rep.Reset[0] != "g|fresh" {
		t.Fatalf("reset = %v", rep.Reset)
	}
	if got, want := cand.Job("g|keep").NextRunTime(), old.Job("g|keep").NextRunTime(); !got.Equal(want) {
		t.Fatalf("keep next = %s, want %s", got, want)
	}
	if got := cand.Job("g|fresh").NextRunTime(); !got.Equal(t1) {
		t.Fatalf("fresh next = %s, want %s", got, t1)
	}
	if got := cand.Job("g|added").NextRunTime(); !got.Equal(t1) {
		t.Fatalf("added next = %s, want %s", got, t1)
	}

	// A reset that lands on the old snapshot after the merge is visible in the new one.
	later := old.Job("g|keep").ResetNextRunTime(t0.Add(10 * time.Minute))
	if got := cand.Job("g|keep").NextRunTime(); !got.Equal(later) {
		t.Fatalf("in-flight reset lost: %s, want %s", got, later)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	old := mustParse(t, twoJobs)
	cand := mustParse(t, `
- name: g
  jobs:
    - name: keep
      minutely: 10
      timeZone: UTC
    - name: added
- name: h
`)
	c := SummarizeChange(old, cand)
	if len(c.JobsAdded) != 1 || c.JobsAdded[0] != "g|added" {
		t.Fatalf("added = %v", c.JobsAdded)
	}
	if len(c.JobsRemoved) != 1 || c.JobsRemoved[0] != "g|fresh" {
		t.Fatalf("removed = %v", c.JobsRemoved)
	}
	if len(c.JobsChanged) != 1 || c.JobsChanged[0] != "g|keep" {
		t.Fatalf("changed = %v", c.JobsChanged)
	}
	if len(c.GroupsAdded) != 1 || c.GroupsAdded[0] != "h" {
		t.Fatalf("groups added = %v", c.GroupsAdded)
	}
	if !SummarizeChange(old, old).Empty() {
		t.Fatal("self diff should be empty")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	writeFile(t, path, twoJobs)

	clock := t0
	m := NewManager(path)
	m.SetClock(func() time.Time { return clock })
	first, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	first.Job("g|keep").ResetNextRunTime(t0)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	var before, after int
	m.SetReloadHooks(ReloadHooks{
		Before: func() { before++ },
		After: func(r ReloadResult) {
			after++
			if !r.Applied || len(r.Change.JobsAdded) != 1 {
				t.Errorf("After hook got %+v", r)
			}
		},
	})

	res, err := m.Reload()
	if err != nil || !res.Unchanged || res.Applied {
		t.Fatalf("unchanged reload = %+v, %v", res, err)
	}

	writeFile(t, path, "- name: [broken")
	if _, err := m.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if m.Current() != first {
		t.Fatal("failed reload replaced the live snapshot")
	}

	clock = t0.Add(time.Minute)
	writeFile(t, path, twoJobs+"    - name: added\n")
	res, err = m.Reload()
	if err != nil || !res.Applied {
		t.Fatalf("reload = %+v, %v", res, err)
	}
	cur := m.Current()
	if cur == first || cur != res.Snapshot {
		t.Fatal("live snapshot not swapped")
	}
	if !cur.Job("g|keep").NextRunTime().Equal(first.Job("g|keep").NextRunTime()) {
		t.Fatal("preserved next run time not carried")
	}
	select {
	case got := <-sub:
		if got != cur {
			t.Fatal("subscriber got a stale snapshot")
		}
	default:
		t.Fatal("subscriber not notified")
	}
	if before != 1 || after != 1 {
		t.Fatalf("hooks ran before=%d after=%d, want 1 each", before, after)
	}
}

func TestManagerReloadKeepsStateAcrossTruncation(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	writeFile(t, path, twoJobs)

	clock := t0
	m := NewManager(path)
	m.SetClock(func() time.Time { return clock })
	first, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	first.Job("g|keep").ResetNextRunTime(t0)
	want := first.Job("g|keep").NextRunTime()

	clock = t0.Add(time.Minute)
	writeFile(t, path, "")
	res, err := m.Reload()
	if !errors.Is(err, ErrNoGroups) || res.Applied {
		t.Fatalf("empty reload = %+v, %v", res, err)
	}
	if m.Current() != first {
		t.Fatal("empty file replaced the live snapshot")
	}

	writeFile(t, path, twoJobs+"    - name: added\n")
	if res, err := m.Reload(); err != nil || !res.Applied {
		t.Fatalf("reload = %+v, %v", res, err)
	}
	if got := m.Current().Job("g|keep").NextRunTime(); !got.Equal(want) {
		t.Fatalf("next run = %s, want %s", got, want)
	}
}

func TestManagerLoadEmptyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	writeFile(t, path, "")
	m := NewManager(path)
	snap, err := m.Load()
	if err != nil || !snap.Empty() {
		t.Fatalf("Load = %+v, %v", snap, err)
	}
	writeFile(t, path, "\n")
	if _, err := m.Reload(); err != nil {
		t.Fatalf("empty to empty reload: %v", err)
	}
}

func TestManagerLoadMissingFile(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for missing file")
	}
	if m.Current() != nil {
		t.Fatal("Current should be nil before a successful Load")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	writeFile(t, path, twoJobs)

	m := NewManager(path)
	m.SetDebounce(20 * time.Millisecond)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case snap := <-sub:
			if snap.Job("g|added") == nil {
				t.Fatal("published snapshot lacks the new job")
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees a change.
			writeFile(t, path, twoJobs+"    - name: added\n"+"# "+time.Now().String()+"\n")
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
