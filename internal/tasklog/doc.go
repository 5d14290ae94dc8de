// Package tasklog writes task output to per-task log files capped at a maximum
// number of lines.
//
// A file that reaches its cap is rewritten with its newest lines, so the file
// always holds the most recent output. Writes to one path go through a single
// consumer goroutine; different paths never contend.
package tasklog
