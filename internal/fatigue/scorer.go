// Package fatigue scores "reflection fatigue", a penalty that builds up
// while a loop family keeps rerunning without getting better and drains
// away again once reruns show genuine progress.
package fatigue

import (
	"math"

	"github.com/nugget/loopguard/internal/looptrace"
)

// Defaults for [Config].
const (
	DefaultBaseIncrement  = 0.15
	DefaultDecayRate      = 0.05
	DefaultMinImprovement = 0.05
	DefaultCritical       = 0.5
	DefaultMaxFatigue     = 1.0
)

// Config holds the fatigue tuning knobs. Zero, negative, or non-finite
// values fall back to the defaults above.
type Config struct {
	BaseIncrement  float64
	DecayRate      float64
	MinImprovement float64
	Critical       float64
	MaxFatigue     float64
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config {
	return Config{
		BaseIncrement:  DefaultBaseIncrement,
		DecayRate:      DefaultDecayRate,
		MinImprovement: DefaultMinImprovement,
		Critical:       DefaultCritical,
		MaxFatigue:     DefaultMaxFatigue,
	}
}

// WithDefaults returns c with unusable fields replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.BaseIncrement = orDefault(c.BaseIncrement, d.BaseIncrement)
	c.DecayRate = orDefault(c.DecayRate, d.DecayRate)
	c.MinImprovement = orDefault(c.MinImprovement, d.MinImprovement)
	c.MaxFatigue = orDefault(c.MaxFatigue, d.MaxFatigue)
	if c.MaxFatigue > 1 {
		c.MaxFatigue = 1
	}
	c.Critical = orDefault(c.Critical, d.Critical)
	return c
}

func orDefault(v, def float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

// Result is the fatigue outcome for one attempt.
type Result struct {
	ReflectionFatigue   float64 `json:"reflection_fatigue"`
	FatigueIncreased    bool    `json:"fatigue_increased"`
	ImprovementDetected bool    `json:"improvement_detected"`
	ThresholdExceeded   bool    `json:"threshold_exceeded"`
	// FirstAttempt is set when there was no earlier attempt to compare
	// against; no gains are computed in that case.
	FirstAttempt  bool    `json:"first_attempt"`
	AlignmentGain float64 `json:"alignment_gain"`
	DriftGain     float64 `json:"drift_gain"`
}

// Scorer computes fatigue from the trajectory of reviewer scores.
type Scorer struct {
	Config Config
}

// New returns a Scorer using cfg with defaults applied.
func New(cfg Config) *Scorer {
	return &Scorer{Config: cfg.WithDefaults()}
}

// Score returns the family's fatigue after attempt cur. prev is the
// fatigue carried forward from the family and prior is the previous
// attempt's scores, or nil when cur is the family's first attempt (in
// which case fatigue starts at zero).
//
// Alignment gain is cur minus prior (higher alignment is better); drift
// gain is prior minus cur (lower drift is better). Both are clamped to
// be non-negative. If either meets MinImprovement the attempt counts as
// improved and fatigue decays by DecayRate; otherwise it grows by
// BaseIncrement. The result is clamped to [0, MaxFatigue].
func (s *Scorer) Score(prev float64, prior *looptrace.Attempt, cur looptrace.Attempt) Result {
	cfg := s.Config.WithDefaults()

	if prior == nil {
		return Result{FirstAttempt: true}
	}

	prev = clamp(prev, cfg.MaxFatigue)
	res := Result{
		AlignmentGain: round(math.Max(0, cur.AlignmentScore-prior.AlignmentScore)),
		DriftGain:     round(math.Max(0, prior.DriftScore-cur.DriftScore)),
	}
	res.ImprovementDetected = res.AlignmentGain >= cfg.MinImprovement || res.DriftGain >= cfg.MinImprovement

	next := prev + cfg.BaseIncrement
	if res.ImprovementDetected {
		next = prev - cfg.DecayRate
	}
	res.ReflectionFatigue = round(clamp(next, cfg.MaxFatigue))
	res.FatigueIncreased = res.ReflectionFatigue > prev
	res.ThresholdExceeded = res.ReflectionFatigue >= cfg.Critical
	return res
}

func clamp(v, hi float64) float64 {
	return math.Max(0, math.Min(hi, v))
}

// round keeps persisted fatigue values free of binary float residue so
// repeated increments land on exact multiples of the increment.
func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
