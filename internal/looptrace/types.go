// Package looptrace defines the persisted record of a loop execution
// attempt, the family-scoped guardrail state shared by a loop and all of
// its reruns, and a SQLite-backed store for both.
//
// A loop family is identified by its root loop ID. Rerun children derive
// their IDs from the root (see [ChildID]) so the family of any trace can
// be recovered from the ID alone.
package looptrace

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// SchemaVersion is the current version of the serialized [LoopTrace]
// and [Family] records. Older records are upgraded by Normalize.
const SchemaVersion = 1

// DefaultMaxReruns is the rerun ceiling applied to a family that does
// not configure its own.
const DefaultMaxReruns = 3

var (
	// ErrNotFound is returned when a trace, family, or review does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a family record was modified by
	// another writer between load and save.
	ErrConflict = errors.New("concurrent modification")
	// ErrLoopExists is returned when beginning a loop whose family is
	// still active.
	ErrLoopExists = errors.New("loop already exists")
	// ErrAlreadyRerun is returned when a trace that already spawned a
	// rerun child is asked to spawn another.
	ErrAlreadyRerun = errors.New("loop already rerun")
	// ErrInvalidReview is returned for reviewer input that cannot be scored.
	ErrInvalidReview = errors.New("invalid review")
)

// Status is the lifecycle state of a single trace.
type Status string

const (
	StatusRunning   Status = "running"   // Executing or awaiting completion
	StatusRerun     Status = "rerun"     // Superseded by a rerun child
	StatusFinalized Status = "finalized" // Terminal; no children will be created
)

// Decision is the guardrail verdict for a completed attempt.
type Decision string

const (
	DecisionFinalize Decision = "finalize"
	DecisionRerun    Decision = "rerun"
)

// Trigger names a condition that contributed to a decision.
type Trigger string

const (
	TriggerAlignment      Trigger = "alignment"
	TriggerDrift          Trigger = "drift"
	TriggerBiasEcho       Trigger = "bias_echo"
	TriggerFatigue        Trigger = "fatigue"
	TriggerSummaryInvalid Trigger = "summary_invalid"
	TriggerRerunLimit     Trigger = "rerun_limit"
)

// BiasTag is a single bias category flagged by the bias reviewer.
type BiasTag struct {
	Tag    string  `json:"tag"`
	Weight float64 `json:"weight,omitempty"`
}

// Review is the structured output of the external reviewers for one
// completed attempt.
type Review struct {
	AlignmentScore float64   `json:"alignment_score"`
	DriftScore     float64   `json:"drift_score"`
	SummaryValid   bool      `json:"summary_valid"`
	BiasTags       []BiasTag `json:"bias_tags,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at,omitzero"`
}

// Sanitize returns a copy of r with scores clamped to [0,1]. NaN or
// infinite scores cannot be clamped meaningfully and are rejected.
func (r Review) Sanitize() (Review, error) {
	if !finite(r.AlignmentScore) {
		return Review{}, fmt.Errorf("%w: alignment_score is not a finite number", ErrInvalidReview)
	}
	if !finite(r.DriftScore) {
		return Review{}, fmt.Errorf("%w: drift_score is not a finite number", ErrInvalidReview)
	}
	out := r
	out.AlignmentScore = clamp01(r.AlignmentScore)
	out.DriftScore = clamp01(r.DriftScore)
	out.BiasTags = slices.Clone(r.BiasTags)
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Attempt is the pair of reviewer scores from one attempt, kept by the
// family so the next attempt can be compared against it.
type Attempt struct {
	AlignmentScore float64 `json:"alignment_score"`
	DriftScore     float64 `json:"drift_score"`
}

// Thresholds holds optional per-family overrides of the deployment
// guardrail thresholds. Nil fields inherit the deployment value.
type Thresholds struct {
	Alignment       *float64 `json:"alignment,omitempty"`
	Drift           *float64 `json:"drift,omitempty"`
	BiasRepeat      *int     `json:"bias_repeat,omitempty"`
	FatigueBase     *float64 `json:"fatigue_base,omitempty"`
	FatigueDecay    *float64 `json:"fatigue_decay,omitempty"`
	MinImprovement  *float64 `json:"min_improvement,omitempty"`
	FatigueCritical *float64 `json:"fatigue_critical,omitempty"`
	MaxFatigue      *float64 `json:"max_fatigue,omitempty"`
}

// ReasoningRecord is an immutable explanation of one guardrail decision.
type ReasoningRecord struct {
	ID           string    `json:"id"`
	LoopID       string    `json:"loop_id"`
	FamilyID     string    `json:"family_id"`
	Decision     Decision  `json:"decision"`
	Triggers     []Trigger `json:"triggers"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
	Persona      string    `json:"persona,omitempty"`
	OverriddenBy string    `json:"overridden_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LoopTrace is the persisted record of one loop execution attempt.
type LoopTrace struct {
	SchemaVersion int `json:"schema_version"`

	LoopID     string `json:"loop_id"`
	FamilyID   string `json:"family_id"`
	RerunOf    string `json:"rerun_of,omitempty"`
	RerunDepth int    `json:"rerun_depth"`
	// RerunCount and MaxReruns mirror the family. The stored copy is
	// the value at this trace's last write; readers refresh it from
	// the Family.
	RerunCount int `json:"rerun_count"`
	MaxReruns  int `json:"max_reruns"`

	AlignmentScore float64 `json:"alignment_score"`
	DriftScore     float64 `json:"drift_score"`
	SummaryValid   bool    `json:"summary_valid"`

	BiasEcho     bool           `json:"bias_echo"`
	RepeatedTags []string       `json:"repeated_tags"`
	BiasHistory  map[string]int `json:"bias_history"`

	ReflectionFatigue float64 `json:"reflection_fatigue"`
	FatigueIncreased  bool    `json:"fatigue_increased"`

	RerunReason       string    `json:"rerun_reason,omitempty"`
	RerunReasonDetail string    `json:"rerun_reason_detail,omitempty"`
	RerunTrigger      []Trigger `json:"rerun_trigger"`
	ForceFinalize     bool      `json:"force_finalize"`
	OverriddenBy      string    `json:"overridden_by,omitempty"`
	Persona           string    `json:"persona,omitempty"`

	Status      Status            `json:"status"`
	Decision    Decision          `json:"decision,omitempty"`
	ChildID     string            `json:"child_id,omitempty"`
	Completions int               `json:"completions"`
	Reasoning   []ReasoningRecord `json:"reasoning"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRoot creates the first trace of a new loop family.
func NewRoot(loopID, persona string, maxReruns int, now time.Time) *LoopTrace {
	t := &LoopTrace{
		LoopID:    loopID,
		FamilyID:  loopID,
		MaxReruns: maxReruns,
		Persona:   persona,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.Normalize()
	return t
}

// Normalize fills absent fields with their documented defaults. It is
// applied to every decoded record so callers never see a partially
// populated trace.
func (t *LoopTrace) Normalize() {
	if t.SchemaVersion < SchemaVersion {
		t.SchemaVersion = SchemaVersion
	}
	if t.FamilyID == "" {
		t.FamilyID = RootOf(t.LoopID)
	}
	if t.RerunDepth == 0 && t.LoopID != t.FamilyID {
		t.RerunDepth = DepthOf(t.LoopID)
	}
	if t.MaxReruns <= 0 {
		t.MaxReruns = DefaultMaxReruns
	}
	if t.Status == "" {
		t.Status = StatusRunning
	}
	if t.RepeatedTags == nil {
		t.RepeatedTags = []string{}
	}
	if t.BiasHistory == nil {
		t.BiasHistory = map[string]int{}
	}
	if t.RerunTrigger == nil {
		t.RerunTrigger = []Trigger{}
	}
	if t.Reasoning == nil {
		t.Reasoning = []ReasoningRecord{}
	}
	t.ReflectionFatigue = math.Max(0, t.ReflectionFatigue)
}

// Terminal reports whether the trace has been finalized.
func (t *LoopTrace) Terminal() bool {
	return t.Status == StatusFinalized
}

// HasTrigger reports whether tr is among the trace's recorded triggers.
func (t *LoopTrace) HasTrigger(tr Trigger) bool {
	return slices.Contains(t.RerunTrigger, tr)
}

// Family is the guardrail state shared by every trace of one loop
// family. It is created lazily on the first completion event and lives
// until the family is finalized and a new, unrelated loop reuses the ID.
type Family struct {
	SchemaVersion int `json:"schema_version"`

	FamilyID string `json:"family_id"`
	// Version is the optimistic concurrency token. Zero means the
	// family has never been saved.
	Version int64 `json:"-"`

	RerunCount int            `json:"rerun_count"`
	MaxReruns  int            `json:"max_reruns"`
	BiasCounts map[string]int `json:"bias_counts"`
	Fatigue    float64        `json:"fatigue"`
	// Prior is nil until the family has scored its first attempt.
	Prior      *Attempt    `json:"prior,omitempty"`
	Persona    string      `json:"persona,omitempty"`
	Finalized  bool        `json:"finalized"`
	Thresholds *Thresholds `json:"thresholds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFamily creates empty family state rooted at familyID.
func NewFamily(familyID, persona string, maxReruns int, now time.Time) *Family {
	f := &Family{
		FamilyID:  familyID,
		MaxReruns: maxReruns,
		Persona:   persona,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.Normalize()
	return f
}

// Normalize fills absent fields with their documented defaults.
func (f *Family) Normalize() {
	if f.SchemaVersion < SchemaVersion {
		f.SchemaVersion = SchemaVersion
	}
	if f.MaxReruns <= 0 {
		f.MaxReruns = DefaultMaxReruns
	}
	if f.BiasCounts == nil {
		f.BiasCounts = map[string]int{}
	}
	if f.RerunCount < 0 {
		f.RerunCount = 0
	}
	f.Fatigue = math.Max(0, f.Fatigue)
}

// Clone returns a deep copy of f. The orchestrator mutates a clone so a
// failed save never leaves half-applied state in the caller's copy.
func (f *Family) Clone() *Family {
	c := *f
	c.BiasCounts = make(map[string]int, len(f.BiasCounts))
	for k, v := range f.BiasCounts {
		c.BiasCounts[k] = v
	}
	if f.Prior != nil {
		p := *f.Prior
		c.Prior = &p
	}
	if f.Thresholds != nil {
		th := *f.Thresholds
		c.Thresholds = &th
	}
	return &c
}
