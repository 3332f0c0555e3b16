package guardrails

import (
	"github.com/nugget/loopguard/internal/bias"
	"github.com/nugget/loopguard/internal/config"
	"github.com/nugget/loopguard/internal/decision"
	"github.com/nugget/loopguard/internal/fatigue"
	"github.com/nugget/loopguard/internal/looptrace"
)

// DefaultCommitAttempts is how many times a completion is evaluated
// against freshly loaded family state before giving up with
// [ErrContention].
const DefaultCommitAttempts = 3

// Config is the resolved set of guardrail thresholds.
type Config struct {
	Decision       decision.Config
	Fatigue        fatigue.Config
	BiasRepeat     int
	MaxReruns      int
	CommitAttempts int
}

// ParseConfig converts the deployment configuration section into a
// Config. Zero values take the built-in defaults.
func ParseConfig(g config.GuardrailsConfig) Config {
	c := Config{
		Decision: decision.Config{
			AlignmentThreshold: g.AlignmentThreshold,
			DriftThreshold:     g.DriftThreshold,
		},
		Fatigue: fatigue.Config{
			BaseIncrement:  g.FatigueBaseIncrement,
			DecayRate:      g.FatigueDecayRate,
			MinImprovement: g.FatigueMinImprovement,
			Critical:       g.FatigueCritical,
			MaxFatigue:     g.MaxFatigue,
		},
		BiasRepeat:     g.BiasRepeatThreshold,
		MaxReruns:      g.MaxReruns,
		CommitAttempts: g.CommitAttempts,
	}
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	c.Decision = c.Decision.WithDefaults()
	c.Fatigue = c.Fatigue.WithDefaults()
	if c.BiasRepeat <= 0 {
		c.BiasRepeat = bias.DefaultThreshold
	}
	if c.MaxReruns <= 0 {
		c.MaxReruns = looptrace.DefaultMaxReruns
	}
	if c.CommitAttempts <= 0 {
		c.CommitAttempts = DefaultCommitAttempts
	}
	return c
}

// forFamily returns c with the family's own threshold overrides
// applied. Overrides that are out of range fall back to c's values
// through the component defaults.
func (c Config) forFamily(th *looptrace.Thresholds) Config {
	if th == nil {
		return c
	}
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&c.Decision.AlignmentThreshold, th.Alignment)
	set(&c.Decision.DriftThreshold, th.Drift)
	set(&c.Fatigue.BaseIncrement, th.FatigueBase)
	set(&c.Fatigue.DecayRate, th.FatigueDecay)
	set(&c.Fatigue.MinImprovement, th.MinImprovement)
	set(&c.Fatigue.Critical, th.FatigueCritical)
	set(&c.Fatigue.MaxFatigue, th.MaxFatigue)
	if th.BiasRepeat != nil {
		c.BiasRepeat = *th.BiasRepeat
	}
	return c.withDefaults()
}
