package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "cronyaml/pkg/logx"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	started     TEXT    NOT NULL,
	group_name  TEXT    NOT NULL,
	job         TEXT    NOT NULL,
	task        TEXT    NOT NULL,
	command     TEXT    NOT NULL,
	duration_ms INTEGER NOT NULL,
	exit_code   INTEGER NOT NULL,
	lines       INTEGER NOT NULL,
	err         TEXT
);
CREATE INDEX IF NOT EXISTS runs_group_job ON runs(group_name, job, id);
`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: retainOrDefault(cfg.Retain), pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(started, group_name, job, task, command, duration_ms, exit_code, lines, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.Started.UTC().Format(time.RFC3339Nano), r.Group, r.Job, r.Task, r.Command,
		r.Duration.Milliseconds(), r.ExitCode, r.Lines, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, q Query) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT started, group_name, job, task, command, duration_ms, exit_code, lines, err
		 FROM runs
		 WHERE (? = '' OR group_name = ?) AND (? = '' OR job = ?)
		 ORDER BY id DESC LIMIT ?`,
		q.Group, q.Group, q.Job, q.Job, q.limit(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			started string
			durMS   int64
			errStr  sql.NullString
		)
		if err := rows.Scan(&started, &r.Group, &r.Job, &r.Task, &r.Command, &durMS, &r.ExitCode, &r.Lines, &errStr); err != nil {
			return nil, err
		}
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune drops everything but the newest retain rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM runs) - ?`, s.retain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
