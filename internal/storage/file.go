package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "cronyaml/pkg/logx"
)

// fileStore keeps runs in <prefix>.runs.jsonl (append-only JSON Lines).
//
// Every compactEvery appends the file is rewritten with only the newest
// retain records.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path   string
	f      *os.File
	retain int
	writes int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: runsPath, f: f, retain: retainOrDefault(cfg.Retain)}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("history file closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, q Query) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := readRuns(s.path)
	if err != nil {
		return nil, err
	}
	limit := q.limit()
	out := make([]RunRecord, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if q.match(all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	all, err := readRuns(s.path)
	if err != nil {
		return err
	}
	if len(all) <= s.retain {
		return nil
	}
	all = all[len(all)-s.retain:]

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range all {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// Reopen: the old descriptor points at the replaced file.
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	return nil
}

func readRuns(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
