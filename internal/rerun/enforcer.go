// Package rerun enforces the per-family ceiling on reruns.
package rerun

import "github.com/nugget/loopguard/internal/looptrace"

// Result reports the family's position against its rerun ceiling.
type Result struct {
	RerunCount    int    `json:"rerun_count"`
	MaxReruns     int    `json:"max_reruns"`
	LimitReached  bool   `json:"limit_reached"`
	ForceFinalize bool   `json:"force_finalize"`
	Overridden    bool   `json:"overridden"`
	OverriddenBy  string `json:"overridden_by,omitempty"`
}

// Enforcer compares a family's shared rerun counter with its ceiling.
type Enforcer struct{}

// Enforce evaluates the family's rerun count against maxReruns. When the
// limit is reached, finalization is forced unless override is set, in
// which case the override and its actor are recorded and one more rerun
// is permitted. The counter is never reset here; an override applies to
// this call only.
func (Enforcer) Enforce(rerunCount, maxReruns int, override bool, overrideBy string) Result {
	if maxReruns <= 0 {
		maxReruns = looptrace.DefaultMaxReruns
	}
	res := Result{
		RerunCount:   rerunCount,
		MaxReruns:    maxReruns,
		LimitReached: rerunCount >= maxReruns,
	}
	switch {
	case res.LimitReached && override:
		res.Overridden = true
		res.OverriddenBy = overrideBy
	case res.LimitReached:
		res.ForceFinalize = true
	}
	return res
}
