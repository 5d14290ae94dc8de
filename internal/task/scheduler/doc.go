// Package scheduler drives the tick loop.
//
// Each tick reads the live config snapshot once, runs every active group in its
// own goroutine and waits for all of them. Inside a group, due jobs run one after
// another in file order, and a job's tasks run one after another too. A slow task
// therefore delays the rest of its group and the next tick, but never another
// group.
package scheduler
