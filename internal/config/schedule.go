package config

import (
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRunTime returns the time at which the job becomes due.
func (j *Job) NextRunTime() time.Time { return j.state.get() }

// IsDue reports whether now is at or past the next run time.
func (j *Job) IsDue(now time.Time) bool { return !now.Before(j.state.get()) }

// ResetNextRunTime computes the next run after now and stores it. The stored
// value never moves backward; the returned time is what was stored.
func (j *Job) ResetNextRunTime(now time.Time) time.Time {
	return j.state.advance(j.NextAfter(now))
}

// NextAfter computes the next run strictly after now without storing it.
func (j *Job) NextAfter(now time.Time) time.Time {
	if j.cronSched != nil {
		next := j.cronSched.Next(now.In(j.gridLocation()))
		if !next.IsZero() {
			return next
		}
		// No match within the cron search window; fall back to the default interval.
		return now.Add(DefaultIntervalMinutes * time.Minute)
	}
	interval := j.Interval()
	if interval <= 0 {
		interval = DefaultIntervalMinutes * time.Minute
	}
	if j.Alignment == AlignInterval {
		return now.Add(interval)
	}
	return GridNext(now, interval, j.gridLocation())
}

// GridNext returns the first boundary after now on a grid of interval-sized steps
// anchored at midnight (in loc). The candidate now+interval is snapped down to
// the grid of its own calendar day, so delayed runs do not accumulate drift.
func GridNext(now time.Time, interval time.Duration, loc *time.Location) time.Time {
	if interval <= 0 {
		return now
	}
	if loc == nil {
		loc = time.Local
	}
	candidate := now.In(loc).Add(interval)
	midnight := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), 0, 0, 0, 0, loc)
	since := candidate.Sub(midnight)
	next := midnight.Add(since - since%interval)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
