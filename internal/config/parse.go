package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ParseFile reads and parses the config file at path.
func ParseFile(path string, now time.Time) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Source: path, Err: err}
	}
	return Parse(path, b, now)
}

// Parse decodes config text into a validated Snapshot. Every job starts with
// nextRunTime = now, so it is due on the first tick.
//
// Structural problems (bad YAML, unknown keys, wrong shapes) fail the whole parse
// with *ParseError. Per-entity problems (bad time zone, duplicate names, missing
// command, ...) drop only that entity and are collected in Snapshot.Issues.
func Parse(source string, data []byte, now time.Time) (*Snapshot, error) {
	jb, err := coerceToJSONBytes(data)
	if err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}

	var groups []groupFile
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&groups); err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}

	snap := &Snapshot{
		Source:   source,
		Hash:     hashBytes(jb),
		LoadedAt: now,
		jobs:     map[string]*Job{},
	}
	seenGroups := map[string]bool{}
	for i := range groups {
		gf := &groups[i]
		name := strings.TrimSpace(gf.Name)
		if name == "" {
			snap.issue(&ValidationError{Group: fmt.Sprintf("#%d", i+1), Field: "name", Err: errors.New("required")})
			continue
		}
		if seenGroups[name] {
			snap.issue(&ValidationError{Group: name, Field: "name", Err: errors.New("duplicate group name")})
			continue
		}
		seenGroups[name] = true

		g := &Group{Name: name, Active: boolOr(gf.Active, true)}
		for k := range gf.Jobs {
			j, ok := buildJob(snap, name, k, &gf.Jobs[k], now)
			if !ok {
				continue
			}
			g.Jobs = append(g.Jobs, j)
			snap.jobs[j.Key()] = j
		}
		snap.Groups = append(snap.Groups, g)
	}
	return snap, nil
}

func buildJob(snap *Snapshot, group string, idx int, jf *jobFile, now time.Time) (*Job, bool) {
	name := strings.TrimSpace(jf.Name)
	if name == "" {
		snap.issue(&ValidationError{Group: group, Job: fmt.Sprintf("#%d", idx+1), Field: "name", Err: errors.New("required")})
		return nil, false
	}
	if snap.jobs[JobKey(group, name)] != nil {
		snap.issue(&ValidationError{Group: group, Job: name, Field: "name", Err: errors.New("duplicate job name in group")})
		return nil, false
	}
	fail := func(field string, err error) (*Job, bool) {
		snap.issue(&ValidationError{Group: group, Job: name, Field: field, Err: err})
		return nil, false
	}

	j := &Job{
		Group:               group,
		Name:                name,
		Active:              boolOr(jf.Active, true),
		PreserveNextRuntime: boolOr(jf.PreserveNextRuntime, true),
		TimeZone:            strings.TrimSpace(jf.TimeZone),
	}

	// First non-null interval field wins.
	switch {
	case jf.Minutely != nil:
		if *jf.Minutely <= 0 {
			return fail("minutely", fmt.Errorf("must be > 0, got %d", *jf.Minutely))
		}
		j.IntervalMinutes = *jf.Minutely
	case jf.Hourly != nil:
		if *jf.Hourly <= 0 {
			return fail("hourly", fmt.Errorf("must be > 0, got %d", *jf.Hourly))
		}
		j.IntervalMinutes = *jf.Hourly * 60
	case jf.Daily != nil:
		if *jf.Daily <= 0 {
			return fail("daily", fmt.Errorf("must be > 0, got %d", *jf.Daily))
		}
		j.IntervalMinutes = *jf.Daily * 24 * 60
	case strings.TrimSpace(jf.Cron) != "":
		spec := strings.TrimSpace(jf.Cron)
		sched, err := cronParser.Parse(spec)
		if err != nil {
			return fail("cron", err)
		}
		j.Cron = spec
		j.cronSched = sched
	default:
		j.IntervalMinutes = DefaultIntervalMinutes
	}

	switch Alignment(strings.ToLower(strings.TrimSpace(jf.Alignment))) {
	case "", AlignGrid:
		j.Alignment = AlignGrid
	case AlignInterval:
		j.Alignment = AlignInterval
	default:
		return fail("alignment", fmt.Errorf("unknown alignment %q (want grid or interval)", jf.Alignment))
	}

	if j.TimeZone != "" {
		loc, err := time.LoadLocation(j.TimeZone)
		if err != nil {
			return fail("timeZone", fmt.Errorf("unknown time zone %q: %w", j.TimeZone, err))
		}
		j.Location = loc
	}

	seenTasks := map[string]bool{}
	for i := range jf.Tasks {
		t, ok := buildTask(snap, group, name, i, &jf.Tasks[i])
		if !ok {
			continue
		}
		if seenTasks[t.Name] {
			// Two tasks with one name would share a log file.
			snap.issue(&ValidationError{Group: group, Job: name, Task: t.Name, Field: "name", Err: errors.New("duplicate task name in job")})
			continue
		}
		seenTasks[t.Name] = true
		j.Tasks = append(j.Tasks, t)
	}

	if b, err := json.Marshal(jf); err == nil {
		j.defHash = hashBytes(b)
	}
	j.state = newScheduleState(now)
	return j, true
}

func buildTask(snap *Snapshot, group, job string, idx int, tf *taskFile) (*Task, bool) {
	name := strings.TrimSpace(tf.Name)
	if name == "" {
		snap.issue(&ValidationError{Group: group, Job: job, Task: fmt.Sprintf("#%d", idx+1), Field: "name", Err: errors.New("required")})
		return nil, false
	}
	fail := func(field string, err error) (*Task, bool) {
		snap.issue(&ValidationError{Group: group, Job: job, Task: name, Field: field, Err: err})
		return nil, false
	}
	cmd := strings.TrimSpace(tf.Command)
	if cmd == "" {
		return fail("command", errors.New("required"))
	}
	maxLines := DefaultMaxLogLines
	if tf.MaxLogLines != nil {
		if *tf.MaxLogLines <= 0 {
			return fail("maxLogLines", fmt.Errorf("must be > 0, got %d", *tf.MaxLogLines))
		}
		maxLines = *tf.MaxLogLines
	}
	timeout, err := tf.Timeout.Parse()
	if err != nil {
		return fail("timeout", err)
	}
	return &Task{
		Name:             name,
		Command:          cmd,
		Arguments:        append([]string(nil), tf.Arguments...),
		WorkingDirectory: strings.TrimSpace(tf.WorkingDirectory),
		Active:           boolOr(tf.Active, true),
		MaxLogLines:      maxLines,
		Timeout:          timeout,
	}, true
}

func (s *Snapshot) issue(e *ValidationError) { s.Issues = append(s.Issues, e) }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
