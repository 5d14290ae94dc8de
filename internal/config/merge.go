package config

// MergeReport describes what Merge carried forward.
type MergeReport struct {
	// Carried lists identity keys whose next run time came from the old snapshot.
	Carried []string
	// Reset lists keys present in both snapshots that start fresh because the old
	// job had preserveNextRuntime=false.
	Reset []string
}

// Merge carries live schedule state from old into candidate before candidate is
// published. For each old job with PreserveNextRuntime, the same-key job in
// candidate adopts the old job's schedule cell, so its next run time equals the
// old one exactly. Jobs only in candidate keep their fresh default (due now);
// jobs only in old are dropped with the old snapshot.
//
// The cell is shared rather than copied: a tick still running against old will
// advance the state that candidate now sees.
func Merge(old, candidate *Snapshot) MergeReport {
	var rep MergeReport
	if old == nil || candidate == nil {
		return rep
	}
	for _, g := range old.Groups {
		for _, oj := range g.Jobs {
			nj := candidate.jobs[oj.Key()]
			if nj == nil {
				continue
			}
			if !oj.PreserveNextRuntime {
				rep.Reset = append(rep.Reset, oj.Key())
				continue
			}
			nj.state = oj.state
			rep.Carried = append(rep.Carried, oj.Key())
		}
	}
	return rep
}
