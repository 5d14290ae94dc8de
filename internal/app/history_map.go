package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cronyaml/internal/storage"
)

const defaultHistoryBusyTimeout = time.Second

// mapHistoryConfig normalizes the run history settings. A missing path puts
// the store under the log directory.
func mapHistoryConfig(opts Options) (storage.Config, bool, error) {
	hc := opts.History
	driver := strings.ToLower(strings.TrimSpace(hc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(hc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = filepath.Join(opts.LogDir, "history")
		}
		return storage.Config{Driver: "file", Path: path, Retain: hc.Retain}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = filepath.Join(opts.LogDir, "history.db")
		}
		busy := hc.BusyTimeout
		if busy <= 0 {
			busy = defaultHistoryBusyTimeout
		}
		return storage.Config{Driver: driver, Path: path, Retain: hc.Retain, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown history driver: %s", hc.Driver)
	}
}

// OpenHistory opens the configured history store for read-only use by the CLI.
// It returns (nil, nil) when history is disabled.
func OpenHistory(opts Options) (storage.Store, error) {
	sc, enabled, err := mapHistoryConfig(opts)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, opts.Logger)
}
