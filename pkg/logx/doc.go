// Package logx is cronyaml's structured logging, a thin layer over zerolog.
//
// The console gets a short timestamp and file:line caller; the optional log
// file gets one JSON object per line. Components derive their own logger with
// Component, and every logger is a cheap value that stays attached to the
// Service across Apply calls.
package logx
