package guardrails

import (
	"errors"
	"time"

	"github.com/nugget/loopguard/internal/looptrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// completionsTotal counts processed completions by outcome.
	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopguard_completions_total",
		Help: "Completion events processed, by result",
	}, []string{"result"})

	// decisionsTotal counts committed decisions by verdict and reason.
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopguard_decisions_total",
		Help: "Guardrail decisions by decision and reason",
	}, []string{"decision", "reason"})

	// triggersTotal counts recorded triggers.
	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopguard_triggers_total",
		Help: "Triggers recorded on decisions",
	}, []string{"trigger"})

	// overridesTotal counts operator overrides that actually lifted a halt.
	overridesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopguard_overrides_total",
		Help: "Operator overrides applied, by kind",
	}, []string{"kind"})

	// commitConflicts counts optimistic version mismatches on family state.
	commitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopguard_commit_conflicts_total",
		Help: "Family saves rejected by the version check",
	})

	// completionDuration tracks ProcessCompletion latency.
	completionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopguard_completion_duration_seconds",
		Help:    "ProcessCompletion duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	}, []string{"result"})

	// fatigueObserved tracks the reflection fatigue of scored attempts.
	fatigueObserved = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loopguard_reflection_fatigue",
		Help:    "Reflection fatigue after each scored attempt",
		Buckets: []float64{0, 0.15, 0.3, 0.45, 0.5, 0.6, 0.75, 0.9, 1},
	})
)

// resultLabel classifies a completion outcome for metric labels.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "error"
	}
}

func recordCompletionMetrics(res *CompletionResult, err error, elapsed time.Duration) {
	label := resultLabel(err)
	completionsTotal.WithLabelValues(label).Inc()
	completionDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	if res == nil {
		return
	}

	d := res.Decision
	decisionsTotal.WithLabelValues(string(d.Decision), d.Reason).Inc()
	for _, tr := range d.Triggers {
		triggersTotal.WithLabelValues(string(tr)).Inc()
	}
	if d.Decision == looptrace.DecisionRerun {
		if res.Limit.Overridden {
			overridesTotal.WithLabelValues("max_reruns").Inc()
		}
		if res.Fatigue.ThresholdExceeded {
			overridesTotal.WithLabelValues("fatigue").Inc()
		}
	}
	if !res.Reevaluated {
		fatigueObserved.Observe(res.Fatigue.ReflectionFatigue)
	}
}
