package guardrails

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer for guardrail operations. Without a configured
// provider it is a no-op.
var tracer = otel.Tracer("loopguard.guardrails")

// startCompletionSpan creates a span for one ProcessCompletion call.
func startCompletionSpan(ctx context.Context, c Completion) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Orchestrator.ProcessCompletion",
		trace.WithAttributes(
			attribute.String("loopguard.loop_id", c.LoopID),
			attribute.Bool("loopguard.override_fatigue", c.OverrideFatigue),
			attribute.Bool("loopguard.override_max_reruns", c.OverrideMaxReruns),
		),
	)
}

// endCompletionSpan records the outcome on the span and ends it.
func endCompletionSpan(span trace.Span, res *CompletionResult, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, resultLabel(err))
		return
	}
	triggers := make([]string, len(res.Decision.Triggers))
	for i, t := range res.Decision.Triggers {
		triggers[i] = string(t)
	}
	span.SetAttributes(
		attribute.String("loopguard.family_id", res.Trace.FamilyID),
		attribute.String("loopguard.decision", string(res.Decision.Decision)),
		attribute.String("loopguard.reason", res.Decision.Reason),
		attribute.StringSlice("loopguard.triggers", triggers),
		attribute.Int("loopguard.rerun_count", res.Limit.RerunCount),
		attribute.Float64("loopguard.reflection_fatigue", res.Fatigue.ReflectionFatigue),
		attribute.Bool("loopguard.reevaluated", res.Reevaluated),
	)
	span.SetStatus(codes.Ok, "completion processed")
}
