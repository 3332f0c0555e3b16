// Package decision turns the scored state of a completed loop attempt
// into a single verdict: finalize the loop, or rerun it with a reason.
//
// Triggers are evaluated in a fixed order (alignment, drift, bias echo,
// fatigue). Alignment, drift, and an invalid summary are quality signals
// that ask for a rerun. Bias echo and fatigue are halts: they end the
// family even when quality is poor, because another pass would repeat a
// known failure rather than improve on it. An operator may override the
// rerun limit or a fatigue halt for a single call; nothing overrides a
// bias echo halt.
package decision

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/nugget/loopguard/internal/bias"
	"github.com/nugget/loopguard/internal/fatigue"
	"github.com/nugget/loopguard/internal/looptrace"
	"github.com/nugget/loopguard/internal/rerun"
)

// Default quality thresholds.
const (
	DefaultAlignmentThreshold = 0.75
	DefaultDriftThreshold     = 0.25
)

// Reason codes recorded as a decision's rerun_reason.
const (
	ReasonCleanPass  = "clean_pass"
	ReasonQuality    = "quality_below_threshold"
	ReasonBiasEcho   = "bias_echo"
	ReasonFatigue    = "reflection_fatigue"
	ReasonRerunLimit = "rerun_limit_reached"
)

// Config holds the quality thresholds. Values outside (0,1] fall back
// to the defaults.
type Config struct {
	AlignmentThreshold float64
	DriftThreshold     float64
}

// WithDefaults returns c with unusable fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if !inUnit(c.AlignmentThreshold) {
		c.AlignmentThreshold = DefaultAlignmentThreshold
	}
	if !inUnit(c.DriftThreshold) {
		c.DriftThreshold = DefaultDriftThreshold
	}
	return c
}

func inUnit(v float64) bool {
	return v > 0 && v <= 1 && !math.IsNaN(v)
}

// Input is everything the engine needs to judge one attempt. The engine
// never loads or stores anything itself.
type Input struct {
	FamilyID   string
	LoopID     string
	RerunDepth int

	AlignmentScore float64
	DriftScore     float64
	SummaryValid   bool

	Bias    bias.Result
	Fatigue fatigue.Result
	Limit   rerun.Result

	// OverrideFatigue lifts a fatigue halt for this call only.
	OverrideFatigue bool
	OverrideBy      string
}

// Decision is the engine's verdict.
type Decision struct {
	Decision looptrace.Decision `json:"decision"`
	// Triggers is the rerun_trigger set recorded on the trace.
	Triggers []looptrace.Trigger `json:"rerun_trigger"`
	// Fired lists every trigger that evaluated true, in evaluation
	// order, even when a halt or the limit superseded it.
	Fired         []looptrace.Trigger `json:"fired"`
	Reason        string              `json:"rerun_reason"`
	Detail        string              `json:"rerun_reason_detail"`
	ForceFinalize bool                `json:"force_finalize"`
	OverriddenBy  string              `json:"overridden_by,omitempty"`

	// Set only when Decision is rerun.
	NewLoopID  string `json:"new_loop_id,omitempty"`
	RerunDepth int    `json:"rerun_depth,omitempty"`
}

// Engine evaluates attempts against the configured thresholds.
type Engine struct {
	Config Config
}

// New returns an Engine using cfg with defaults applied.
func New(cfg Config) *Engine {
	return &Engine{Config: cfg.WithDefaults()}
}

// Decide returns the verdict for one completed attempt.
func (e *Engine) Decide(in Input) Decision {
	cfg := e.Config.WithDefaults()

	var fired, quality []looptrace.Trigger
	if in.AlignmentScore < cfg.AlignmentThreshold {
		fired = append(fired, looptrace.TriggerAlignment)
		quality = append(quality, looptrace.TriggerAlignment)
	}
	if in.DriftScore > cfg.DriftThreshold {
		fired = append(fired, looptrace.TriggerDrift)
		quality = append(quality, looptrace.TriggerDrift)
	}
	if in.Bias.BiasEcho {
		fired = append(fired, looptrace.TriggerBiasEcho)
	}
	if in.Fatigue.ThresholdExceeded {
		fired = append(fired, looptrace.TriggerFatigue)
	}
	if !in.SummaryValid {
		fired = append(fired, looptrace.TriggerSummaryInvalid)
		quality = append(quality, looptrace.TriggerSummaryInvalid)
	}

	d := Decision{
		Decision: looptrace.DecisionFinalize,
		Triggers: orEmpty(fired),
		Fired:    slices.Clone(orEmpty(fired)),
	}
	fatigueHalt := in.Fatigue.ThresholdExceeded && !in.OverrideFatigue

	// A bias echo halt cannot be overridden. Halts record only the
	// halting triggers; Fired keeps the full evaluation.
	if in.Bias.BiasEcho {
		d.Triggers = []looptrace.Trigger{looptrace.TriggerBiasEcho}
		if fatigueHalt {
			d.Triggers = append(d.Triggers, looptrace.TriggerFatigue)
		}
		d.Reason = ReasonBiasEcho
		d.ForceFinalize = true
		d.Detail = fmt.Sprintf("bias repeated across reruns (%s); another rerun would repeat an identified bias",
			strings.Join(in.Bias.RepeatedTags, ", "))
		return d
	}

	if fatigueHalt {
		d.Triggers = []looptrace.Trigger{looptrace.TriggerFatigue}
		d.Reason = ReasonFatigue
		d.ForceFinalize = true
		d.Detail = fmt.Sprintf("reflection fatigue %.2f reached the critical threshold without sufficient improvement",
			in.Fatigue.ReflectionFatigue)
		return d
	}
	if in.Fatigue.ThresholdExceeded {
		d.OverriddenBy = in.OverrideBy
	}
	if in.Limit.Overridden {
		d.OverriddenBy = in.Limit.OverriddenBy
	}
	d.ForceFinalize = in.Limit.ForceFinalize

	if len(quality) == 0 {
		d.Reason = ReasonCleanPass
		d.Detail = fmt.Sprintf("alignment %.2f and drift %.2f within thresholds; summary valid",
			in.AlignmentScore, in.DriftScore)
		if in.Limit.ForceFinalize {
			d.Detail += fmt.Sprintf("; rerun limit reached (%d/%d)", in.Limit.RerunCount, in.Limit.MaxReruns)
		}
		return d
	}

	if in.Limit.ForceFinalize {
		d.Triggers = []looptrace.Trigger{looptrace.TriggerRerunLimit}
		d.Reason = ReasonRerunLimit
		d.Detail = fmt.Sprintf("rerun limit reached (%d/%d); %s would otherwise have triggered a rerun",
			in.Limit.RerunCount, in.Limit.MaxReruns, joinTriggers(quality))
		return d
	}

	d.Decision = looptrace.DecisionRerun
	d.Reason = ReasonQuality
	d.RerunDepth = in.RerunDepth + 1
	d.NewLoopID = looptrace.ChildID(in.FamilyID, d.RerunDepth)
	d.Detail = qualityDetail(cfg, in, quality)
	if in.Limit.Overridden {
		d.Detail += fmt.Sprintf("; rerun limit (%d/%d) overridden by %s",
			in.Limit.RerunCount, in.Limit.MaxReruns, actor(in.Limit.OverriddenBy))
	}
	if in.Fatigue.ThresholdExceeded {
		d.Detail += fmt.Sprintf("; fatigue halt overridden by %s", actor(in.OverrideBy))
	}
	return d
}

func qualityDetail(cfg Config, in Input, quality []looptrace.Trigger) string {
	parts := make([]string, 0, len(quality))
	for _, q := range quality {
		switch q {
		case looptrace.TriggerAlignment:
			parts = append(parts, fmt.Sprintf("alignment %.2f below %.2f", in.AlignmentScore, cfg.AlignmentThreshold))
		case looptrace.TriggerDrift:
			parts = append(parts, fmt.Sprintf("drift %.2f above %.2f", in.DriftScore, cfg.DriftThreshold))
		case looptrace.TriggerSummaryInvalid:
			parts = append(parts, "summary failed validation")
		}
	}
	return strings.Join(parts, "; ")
}

func joinTriggers(ts []looptrace.Trigger) string {
	s := make([]string, len(ts))
	for i, t := range ts {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}

func actor(id string) string {
	if id == "" {
		return "unknown actor"
	}
	return id
}

func orEmpty(ts []looptrace.Trigger) []looptrace.Trigger {
	if ts == nil {
		return []looptrace.Trigger{}
	}
	return ts
}
