// Package config loads the YAML job file into immutable snapshots and keeps the
// live one current as the file changes.
//
// A snapshot holds groups, their jobs and the jobs' tasks. The only state that
// moves while a snapshot is live is each job's next run time; see Job.IsDue and
// Job.ResetNextRunTime. Manager.Reload carries that state across reloads for
// jobs that keep the same "group|job" key.
package config
