package tasklog

import (
	"path/filepath"

	"cronyaml/pkg/pathsafe"
)

// PathFor returns <dir>/<group>/<job>/<task>.log with every component made safe
// for use as a single path element.
func PathFor(dir, group, job, task string) string {
	return filepath.Join(dir, pathsafe.Component(group), pathsafe.Component(job), pathsafe.Component(task)+".log")
}
