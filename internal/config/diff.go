package config

import (
	"sort"

	logx "cronyaml/pkg/logx"
)

// Change summarizes the difference between two snapshots by job identity key.
type Change struct {
	GroupsAdded   []string
	GroupsRemoved []string
	JobsAdded     []string
	JobsRemoved   []string
	JobsChanged   []string
}

// Empty reports whether nothing schedulable changed.
func (c Change) Empty() bool {
	return len(c.GroupsAdded) == 0 && len(c.GroupsRemoved) == 0 &&
		len(c.JobsAdded) == 0 && len(c.JobsRemoved) == 0 && len(c.JobsChanged) == 0
}

// Fields renders the change as structured log attrs.
func (c Change) Fields() []logx.Field {
	fields := make([]logx.Field, 0, 5)
	add := func(k string, v []string) {
		if len(v) > 0 {
			fields = append(fields, logx.Strings(k, v))
		}
	}
	add("groups_added", c.GroupsAdded)
	add("groups_removed", c.GroupsRemoved)
	add("jobs_added", c.JobsAdded)
	add("jobs_removed", c.JobsRemoved)
	add("jobs_changed", c.JobsChanged)
	return fields
}

// SummarizeChange compares old and new by group name and job identity key.
// A job counts as changed when its definition (interval, zone, tasks, ...) differs
// or when its group's active flag flipped.
func SummarizeChange(oldSnap, newSnap *Snapshot) Change {
	if oldSnap == nil {
		oldSnap = &Snapshot{}
	}
	if newSnap == nil {
		newSnap = &Snapshot{}
	}
	var c Change

	oldGroups := map[string]*Group{}
	for _, g := range oldSnap.Groups {
		oldGroups[g.Name] = g
	}
	newGroups := map[string]*Group{}
	for _, g := range newSnap.Groups {
		newGroups[g.Name] = g
		if oldGroups[g.Name] == nil {
			c.GroupsAdded = append(c.GroupsAdded, g.Name)
		}
	}
	for _, g := range oldSnap.Groups {
		if newGroups[g.Name] == nil {
			c.GroupsRemoved = append(c.GroupsRemoved, g.Name)
		}
	}

	for key, nj := range newSnap.jobs {
		oj := oldSnap.jobs[key]
		if oj == nil {
			c.JobsAdded = append(c.JobsAdded, key)
			continue
		}
		og, ng := oldGroups[oj.Group], newGroups[nj.Group]
		groupFlip := og != nil && ng != nil && og.Active != ng.Active
		if oj.defHash != nj.defHash || groupFlip {
			c.JobsChanged = append(c.JobsChanged, key)
		}
	}
	for key := range oldSnap.jobs {
		if newSnap.jobs[key] == nil {
			c.JobsRemoved = append(c.JobsRemoved, key)
		}
	}

	sort.Strings(c.JobsAdded)
	sort.Strings(c.JobsRemoved)
	sort.Strings(c.JobsChanged)
	return c
}
