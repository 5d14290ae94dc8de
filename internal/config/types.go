package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// File-level schema. Pointer fields distinguish "omitted" from an explicit value
// so defaults (active=true, preserveNextRuntime=true, ...) can be applied.
//
// Example:
//
//	# jobs.yaml
//	- name: backups
//	  jobs:
//	    - name: nightly
//	      daily: 1
//	      timeZone: Europe/Berlin
//	      tasks:
//	        - name: dump
//	          command: /usr/local/bin/dump.sh
//	          arguments: --all "--target=/mnt/backup dir"
//	          maxLogLines: 500
//	          timeout: 30m
type groupFile struct {
	Name   string    `json:"name"`
	Active *bool     `json:"active,omitempty"`
	Jobs   []jobFile `json:"jobs"`
}

type jobFile struct {
	Name   string `json:"name"`
	Active *bool  `json:"active,omitempty"`

	// Interval precedence: minutely > hourly > daily > cron. None set means daily.
	Minutely *int   `json:"minutely,omitempty"`
	Hourly   *int   `json:"hourly,omitempty"`
	Daily    *int   `json:"daily,omitempty"`
	Cron     string `json:"cron,omitempty"`

	// Alignment is "grid" (default) or "interval".
	Alignment string `json:"alignment,omitempty"`

	TimeZone            string     `json:"timeZone,omitempty"`
	PreserveNextRuntime *bool      `json:"preserveNextRuntime,omitempty"`
	Tasks               []taskFile `json:"tasks"`
}

type taskFile struct {
	Name             string    `json:"name"`
	Command          string    `json:"command"`
	Arguments        Arguments `json:"arguments,omitempty"`
	WorkingDirectory string    `json:"workingDirectory,omitempty"`
	Active           *bool     `json:"active,omitempty"`
	MaxLogLines      *int      `json:"maxLogLines,omitempty"`
	// Timeout is "30s", "10m" or a number of seconds. Empty or zero inherits the default.
	Timeout DurationText `json:"timeout,omitempty"`
}

// Arguments accepts either a single command-line string (split with shell-word
// rules) or a list of arguments.
type Arguments []string

func (a *Arguments) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*a = nil
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*a = nil
			return nil
		}
		parts, err := shlex.Split(s)
		if err != nil {
			return fmt.Errorf("arguments %q: %w", s, err)
		}
		*a = parts
		return nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			var s string
			if err := json.Unmarshal(r, &s); err == nil {
				out = append(out, s)
				continue
			}
			// Numbers and booleans are passed through as written.
			out = append(out, string(bytes.TrimSpace(r)))
		}
		*a = out
		return nil
	default:
		// A bare scalar (e.g. `arguments: 5`).
		*a = Arguments{string(b)}
		return nil
	}
}
