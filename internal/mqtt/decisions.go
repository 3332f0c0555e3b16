package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/loopguard/internal/decision"
	"github.com/nugget/loopguard/internal/events"
	"github.com/nugget/loopguard/internal/looptrace"
)

// DecisionCounts is a snapshot of one day's guardrail decisions.
type DecisionCounts struct {
	Finalized int64 `json:"finalized"`
	Reruns    int64 `json:"reruns"`
	// Halts counts finalizations forced by bias echo, fatigue, or the
	// rerun limit while quality was still below threshold.
	Halts int64 `json:"halts"`
	// Last is the most recent decision event, or nil before the first.
	Last *LastDecision `json:"last,omitempty"`
}

// LastDecision summarizes the most recent decision.
type LastDecision struct {
	LoopID   string    `json:"loop_id"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// DailyDecisions counts decisions, resetting at local midnight. It is
// safe for concurrent use.
type DailyDecisions struct {
	mu        sync.Mutex
	counts    DecisionCounts
	resetDay  int // day-of-year of last reset
	resetYear int
	loc       *time.Location
	now       func() time.Time
}

// NewDailyDecisions creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyDecisions(loc *time.Location) *DailyDecisions {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyDecisions{loc: loc, now: time.Now}
	today := d.now().In(loc)
	d.resetYear, d.resetDay = today.Year(), today.YearDay()
	return d
}

// Observe records a decision event from the bus. Other event kinds are
// ignored.
func (d *DailyDecisions) Observe(e events.Event) {
	if e.Kind != events.KindDecision {
		return
	}
	verdict, _ := e.Data["decision"].(string)
	reason, _ := e.Data["reason"].(string)
	loopID, _ := e.Data["loop_id"].(string)
	at := e.Timestamp
	if at.IsZero() {
		at = d.now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch {
	case verdict == string(looptrace.DecisionRerun):
		d.counts.Reruns++
	case isHalt(reason):
		d.counts.Finalized++
		d.counts.Halts++
	default:
		d.counts.Finalized++
	}
	d.counts.Last = &LastDecision{LoopID: loopID, Decision: verdict, Reason: reason, At: at}
}

// isHalt reports whether a finalize reason ended the family early
// rather than accepting the attempt.
func isHalt(reason string) bool {
	switch reason {
	case decision.ReasonBiasEcho, decision.ReasonFatigue, decision.ReasonRerunLimit:
		return true
	}
	return false
}

// Snapshot returns today's counts after checking for midnight rollover.
func (d *DailyDecisions) Snapshot() DecisionCounts {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	out := d.counts
	if d.counts.Last != nil {
		last := *d.counts.Last
		out.Last = &last
	}
	return out
}

// maybeReset zeroes the counters when the local date has changed. The
// last decision survives the reset. Must be called with d.mu held.
func (d *DailyDecisions) maybeReset() {
	today := d.now().In(d.loc)
	if today.YearDay() != d.resetDay || today.Year() != d.resetYear {
		d.counts = DecisionCounts{Last: d.counts.Last}
		d.resetYear, d.resetDay = today.Year(), today.YearDay()
	}
}
