// Package executor runs one task as a child process and streams its stdout, line
// by line, into the task's log file.
//
// Stderr is discarded. A task that outlives its timeout, or whose context is
// cancelled, is killed together with every process it started.
package executor
