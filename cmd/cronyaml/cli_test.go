package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cronyaml/internal/storage"
	logx "cronyaml/pkg/logx"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		body    string
		wantErr bool
		out     string
	}{
		{
			name: "ok",
			body: "- name: g\n  jobs:\n    - name: j\n      tasks:\n        - {name: t, command: \"true\"}\n",
			out:  "ok: 1 groups, 1 jobs",
		},
		{
			name:    "invalid job",
			body:    "- name: g\n  jobs:\n    - name: j\n      timeZone: Nowhere/Atlantis\n      tasks:\n        - {name: t, command: \"true\"}\n",
			wantErr: true,
			out:     "invalid:",
		},
		{
			name:    "malformed",
			body:    "- name: [",
			wantErr: true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := newApp(&out).Run([]string{"cronyaml", "validate", writeFile(t, tc.body)})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !strings.Contains(out.String(), tc.out) {
				t.Fatalf("output %q does not contain %q", out.String(), tc.out)
			}
		})
	}
}

func TestValidateNeedsOneArgument(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := newApp(&out).Run([]string{"cronyaml", "validate"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "runs")
	store, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	started := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	for _, task := range []string{"first", "second", "third"} {
		if err := store.AppendRun(context.Background(), storage.RunRecord{Started: started, Group: "g", Job: "j", Task: task}); err != nil {
			t.Fatalf("append: %v", err)
		}
		started = started.Add(time.Minute)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var out bytes.Buffer
	args := []string{"cronyaml", "--history-driver", "file", "history", "--history-path", path, "--limit", "2"}
	if err := newApp(&out).Run(args); err != nil {
		t.Fatalf("history: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "third") || !strings.Contains(got, "second") || strings.Contains(got, "first") {
		t.Fatalf("output = %q", got)
	}
}

func TestHistoryDisabled(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := newApp(&out).Run([]string{"cronyaml", "history"}); err == nil {
		t.Fatal("expected error when history is disabled")
	}
}
