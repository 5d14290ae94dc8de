package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DurationText holds a duration as written in the file: a Go duration string
// ("90s", "10m") or a bare number of seconds. It is parsed during validation
// so a bad value only excludes its own task.
type DurationText string

func (d *DurationText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DurationText(s)
		return nil
	}
	// Numbers are kept verbatim and read as seconds.
	*d = DurationText(b)
	return nil
}

// Parse returns the duration. Empty means zero; negative values are rejected.
func (d DurationText) Parse() (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		secs, nerr := strconv.ParseFloat(s, 64)
		if nerr != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		v = time.Duration(secs * float64(time.Second))
	}
	if v < 0 {
		return 0, fmt.Errorf("duration must be >= 0, got %s", s)
	}
	return v, nil
}
