// Package guardrails decides, once per completed loop attempt, whether
// the attempt is accepted or re-executed.
//
// The [Orchestrator] loads the attempt's trace and its family state,
// feeds the reviewer output through the bias tracker, fatigue scorer,
// rerun limit, and decision engine, stamps a reasoning record, and
// commits the trace, the new rerun child (if any), and the family state
// in one transaction. Work within a family is serialized in-process by
// a keyed mutex; across processes the family row's version check turns
// a concurrent writer into a retry.
package guardrails

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/loopguard/internal/bias"
	"github.com/nugget/loopguard/internal/decision"
	"github.com/nugget/loopguard/internal/events"
	"github.com/nugget/loopguard/internal/fatigue"
	"github.com/nugget/loopguard/internal/looptrace"
	"github.com/nugget/loopguard/internal/reasoning"
	"github.com/nugget/loopguard/internal/rerun"
)

// StatusDone is the only reflection status that may be completed.
const StatusDone = "done"

// Store is the persistence the orchestrator needs. [looptrace.Store]
// satisfies it.
type Store interface {
	LoadTrace(ctx context.Context, loopID string) (*looptrace.LoopTrace, error)
	LoadFamily(ctx context.Context, familyID string) (*looptrace.Family, error)
	FamilyTraces(ctx context.Context, familyID string) ([]*looptrace.LoopTrace, error)
	Commit(ctx context.Context, f *looptrace.Family, traces ...*looptrace.LoopTrace) error
	BeginFamily(ctx context.Context, f *looptrace.Family, root *looptrace.LoopTrace) error
	SaveReview(ctx context.Context, loopID string, r looptrace.Review) error
	LoadReview(ctx context.Context, loopID string) (*looptrace.Review, error)
	IncrementGlobalBias(ctx context.Context, tags []string) error
}

// Auditor records reasoning. [reasoning.Logger] satisfies it.
type Auditor interface {
	Stamp(t *looptrace.LoopTrace, e reasoning.Entry) (looptrace.ReasoningRecord, error)
	Persist(ctx context.Context, rec looptrace.ReasoningRecord) error
	DeleteFamily(ctx context.Context, familyID string) error
}

// Completion is a "loop completed" event.
type Completion struct {
	LoopID           string `json:"loop_id"`
	ReflectionStatus string `json:"reflection_status"`
	Persona          string `json:"persona,omitempty"`

	// Overrides apply to this call only.
	OverrideFatigue   bool   `json:"override_fatigue,omitempty"`
	OverrideMaxReruns bool   `json:"override_max_reruns,omitempty"`
	OverrideBy        string `json:"override_by,omitempty"`

	// Review is reviewer output supplied inline. When nil, the review
	// previously submitted for the loop is used.
	Review *looptrace.Review `json:"review,omitempty"`
}

// CompletionResult is the decision plus every component's output.
type CompletionResult struct {
	Decision  decision.Decision         `json:"decision"`
	LoopID    string                    `json:"loop_id"`
	NewLoopID string                    `json:"new_loop_id,omitempty"`
	Trace     *looptrace.LoopTrace      `json:"trace"`
	Child     *looptrace.LoopTrace      `json:"child,omitempty"`
	Bias      bias.Result               `json:"bias"`
	Fatigue   fatigue.Result            `json:"fatigue"`
	Limit     rerun.Result              `json:"limit"`
	Reasoning looptrace.ReasoningRecord `json:"reasoning"`
	// Reevaluated is set when the trace had already been scored, so
	// only the limit and decision steps ran again.
	Reevaluated bool `json:"reevaluated"`
}

// BeginOptions describes a new loop family.
type BeginOptions struct {
	// LoopID is the root ID. Empty generates one.
	LoopID     string                `json:"loop_id,omitempty"`
	Persona    string                `json:"persona,omitempty"`
	MaxReruns  int                   `json:"max_reruns,omitempty"`
	Thresholds *looptrace.Thresholds `json:"thresholds,omitempty"`
}

// FamilyView is a family's state with all of its traces.
type FamilyView struct {
	Family *looptrace.Family      `json:"family"`
	Traces []*looptrace.LoopTrace `json:"traces"`
}

// Orchestrator runs the guardrail sequence for loop completions.
type Orchestrator struct {
	store  Store
	audit  Auditor
	bus    *events.Bus
	cfg    Config
	locks  *familyLocks
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator. bus may be nil. A nil logger falls back
// to [slog.Default].
func New(store Store, audit Auditor, cfg Config, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  store,
		audit:  audit,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		locks:  newFamilyLocks(),
		logger: logger,
		now:    time.Now,
	}
}

// pending is one evaluated, not yet committed, completion.
type pending struct {
	family     *looptrace.Family
	trace      *looptrace.LoopTrace
	child      *looptrace.LoopTrace
	increments []string
	res        *CompletionResult
	// fresh is set when the completion starts a family that does not
	// exist yet; Commit inserts it.
	fresh bool
	// inline is reviewer output that came with the completion, stored
	// once the decision is committed.
	inline *looptrace.Review
}

func (p *pending) traces() []*looptrace.LoopTrace {
	if p.child != nil {
		return []*looptrace.LoopTrace{p.trace, p.child}
	}
	return []*looptrace.LoopTrace{p.trace}
}

// ProcessCompletion evaluates a completed loop attempt and commits the
// decision. Validation errors ([IsValidation]) leave all state
// untouched. If the family is modified by another writer during every
// one of the configured commit attempts, [ErrContention] is returned
// and nothing is committed.
func (o *Orchestrator) ProcessCompletion(ctx context.Context, c Completion) (res *CompletionResult, err error) {
	start := time.Now()
	ctx, span := startCompletionSpan(ctx, c)
	defer func() {
		endCompletionSpan(span, res, err)
		recordCompletionMetrics(res, err, time.Since(start))
	}()

	c.LoopID = strings.TrimSpace(c.LoopID)
	if c.LoopID == "" {
		return nil, fmt.Errorf("complete: %w", ErrInvalidLoopID)
	}
	if c.ReflectionStatus != StatusDone {
		return nil, fmt.Errorf("complete %s: %w (got %q)", c.LoopID, ErrInvalidStatus, c.ReflectionStatus)
	}
	var inline *looptrace.Review
	if c.Review != nil {
		r, err := c.Review.Sanitize()
		if err != nil {
			return nil, fmt.Errorf("complete %s: %w", c.LoopID, err)
		}
		inline = &r
	}

	familyID := looptrace.RootOf(c.LoopID)
	unlock := o.locks.lock(familyID)
	defer unlock()

	var p *pending
	for attempt := 1; ; attempt++ {
		p, err = o.evaluate(ctx, c, inline)
		if err == nil {
			err = o.store.Commit(ctx, p.family, p.traces()...)
		}
		if err == nil {
			break
		}
		if !errors.Is(err, looptrace.ErrConflict) {
			return nil, err
		}
		commitConflicts.Inc()
		if attempt >= o.cfg.CommitAttempts {
			o.logger.Warn("completion abandoned after repeated family conflicts",
				"loop_id", c.LoopID, "family_id", familyID, "attempts", attempt)
			o.bus.Publish(events.Event{
				Source: events.SourceGuardrails,
				Kind:   events.KindContention,
				Data: map[string]any{
					"loop_id":   c.LoopID,
					"family_id": familyID,
					"attempts":  attempt,
				},
			})
			return nil, fmt.Errorf("complete %s after %d attempts: %w", c.LoopID, attempt, ErrContention)
		}
		o.logger.Debug("family changed during completion, retrying",
			"loop_id", c.LoopID, "attempt", attempt, "error", err)
	}

	// The decision is committed. What follows is reporting; failures are
	// logged rather than returned so the caller acts on the decision.
	if err := o.audit.Persist(ctx, p.res.Reasoning); err != nil {
		o.logger.Error("reasoning audit write failed", "loop_id", c.LoopID, "error", err)
	}
	if p.inline != nil {
		if err := o.store.SaveReview(ctx, c.LoopID, *p.inline); err != nil {
			o.logger.Warn("storing inline review failed", "loop_id", c.LoopID, "error", err)
		}
	}
	if len(p.increments) > 0 {
		if err := o.store.IncrementGlobalBias(ctx, p.increments); err != nil {
			o.logger.Warn("global bias tally update failed", "loop_id", c.LoopID, "error", err)
		}
	}
	if p.fresh {
		o.logger.Info("fresh family started from completion", "loop_id", c.LoopID, "family_id", familyID)
	}
	o.publishDecision(p)

	d := p.res.Decision
	o.logger.Info("loop decision",
		"loop_id", c.LoopID,
		"family_id", familyID,
		"decision", d.Decision,
		"reason", d.Reason,
		"triggers", d.Triggers,
		"rerun_count", p.res.Limit.RerunCount,
		"reflection_fatigue", p.res.Fatigue.ReflectionFatigue,
		"new_loop_id", d.NewLoopID,
	)
	return p.res, nil
}

// evaluate loads current state and computes the decision without
// committing anything.
func (o *Orchestrator) evaluate(ctx context.Context, c Completion, inline *looptrace.Review) (*pending, error) {
	trace, family, err := o.load(ctx, c, inline != nil)
	if err != nil {
		return nil, err
	}
	if trace.Status == looptrace.StatusRerun || trace.ChildID != "" {
		return nil, fmt.Errorf("complete %s: %w (child %s)", c.LoopID, looptrace.ErrAlreadyRerun, trace.ChildID)
	}

	family = family.Clone()
	cfg := o.cfg.forFamily(family.Thresholds)
	now := o.now().UTC()
	persona := firstNonEmpty(c.Persona, trace.Persona, family.Persona)
	p := &pending{family: family, trace: trace, fresh: family.Version == 0}

	var (
		br          bias.Result
		fr          fatigue.Result
		reevaluated = trace.Completions > 0
	)
	if reevaluated {
		// Bias and fatigue were applied when this attempt was first
		// scored; replay the stored results instead of counting twice.
		br = bias.Result{
			BiasEcho:     trace.BiasEcho,
			RepeatedTags: slices.Clone(trace.RepeatedTags),
			Counts:       maps.Clone(family.BiasCounts),
		}
		fr = fatigue.Result{
			ReflectionFatigue: trace.ReflectionFatigue,
			FatigueIncreased:  trace.FatigueIncreased,
			ThresholdExceeded: trace.ReflectionFatigue >= cfg.Fatigue.Critical,
		}
	} else {
		review, err := o.review(ctx, c.LoopID, inline)
		if err != nil {
			return nil, err
		}
		if inline != nil {
			p.inline = review
		}
		cur := looptrace.Attempt{AlignmentScore: review.AlignmentScore, DriftScore: review.DriftScore}

		br = bias.Tracker{Threshold: cfg.BiasRepeat}.Record(family.BiasCounts, review.BiasTags)
		fr = fatigue.New(cfg.Fatigue).Score(family.Fatigue, family.Prior, cur)

		family.BiasCounts = br.Counts
		family.Fatigue = fr.ReflectionFatigue
		family.Prior = &cur
		p.increments = br.Increments

		trace.AlignmentScore = review.AlignmentScore
		trace.DriftScore = review.DriftScore
		trace.SummaryValid = review.SummaryValid
		trace.BiasEcho = br.BiasEcho
		trace.RepeatedTags = slices.Clone(br.RepeatedTags)
		trace.BiasHistory = maps.Clone(br.Counts)
		trace.ReflectionFatigue = fr.ReflectionFatigue
		trace.FatigueIncreased = fr.FatigueIncreased
	}

	lr := rerun.Enforcer{}.Enforce(family.RerunCount, family.MaxReruns, c.OverrideMaxReruns, c.OverrideBy)
	d := decision.New(cfg.Decision).Decide(decision.Input{
		FamilyID:        family.FamilyID,
		LoopID:          trace.LoopID,
		RerunDepth:      trace.RerunDepth,
		AlignmentScore:  trace.AlignmentScore,
		DriftScore:      trace.DriftScore,
		SummaryValid:    trace.SummaryValid,
		Bias:            br,
		Fatigue:         fr,
		Limit:           lr,
		OverrideFatigue: c.OverrideFatigue,
		OverrideBy:      c.OverrideBy,
	})

	trace.Decision = d.Decision
	trace.RerunReason = d.Reason
	trace.RerunReasonDetail = d.Detail
	trace.RerunTrigger = slices.Clone(d.Triggers)
	trace.ForceFinalize = d.ForceFinalize
	trace.OverriddenBy = d.OverriddenBy
	trace.Persona = persona
	trace.Completions++
	trace.UpdatedAt = now
	family.Persona = persona
	family.UpdatedAt = now

	switch d.Decision {
	case looptrace.DecisionRerun:
		family.RerunCount++
		family.Finalized = false
		p.child = &looptrace.LoopTrace{
			LoopID:            d.NewLoopID,
			FamilyID:          family.FamilyID,
			RerunOf:           trace.LoopID,
			RerunDepth:        d.RerunDepth,
			Persona:           persona,
			ReflectionFatigue: family.Fatigue,
			BiasHistory:       maps.Clone(family.BiasCounts),
			Status:            looptrace.StatusRunning,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		p.child.Normalize()
		trace.Status = looptrace.StatusRerun
		trace.ChildID = p.child.LoopID
	default:
		trace.Status = looptrace.StatusFinalized
		family.Finalized = true
	}
	shareFamilyCount(family, p.traces()...)

	rec, err := o.audit.Stamp(trace, reasoning.Entry{
		Decision:     d.Decision,
		Triggers:     d.Triggers,
		Reason:       d.Reason,
		Detail:       d.Detail,
		Persona:      persona,
		OverriddenBy: d.OverriddenBy,
	})
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", c.LoopID, err)
	}

	p.res = &CompletionResult{
		Decision:    d,
		LoopID:      trace.LoopID,
		NewLoopID:   d.NewLoopID,
		Trace:       trace,
		Child:       p.child,
		Bias:        br,
		Fatigue:     fr,
		Limit:       lr,
		Reasoning:   rec,
		Reevaluated: reevaluated,
	}
	return p, nil
}

// load returns the trace for a completion and its family. A loop with
// no trace and no family is a fresh family start: both are returned
// unsaved (family Version zero) for Commit to insert together. A loop
// with no trace inside an existing family is unknown.
func (o *Orchestrator) load(ctx context.Context, c Completion, haveReview bool) (*looptrace.LoopTrace, *looptrace.Family, error) {
	trace, err := o.store.LoadTrace(ctx, c.LoopID)
	switch {
	case err == nil:
		family, err := o.store.LoadFamily(ctx, trace.FamilyID)
		if errors.Is(err, looptrace.ErrNotFound) {
			// Begun traces always have a family; treat a missing one
			// as the lazily created state of an untouched family.
			family = looptrace.NewFamily(trace.FamilyID, trace.Persona, trace.MaxReruns, o.now().UTC())
			err = nil
		}
		return trace, family, err
	case !errors.Is(err, looptrace.ErrNotFound):
		return nil, nil, err
	}

	familyID := looptrace.RootOf(c.LoopID)
	if _, err := o.store.LoadFamily(ctx, familyID); err == nil {
		return nil, nil, fmt.Errorf("complete %s: trace %w in family %s", c.LoopID, looptrace.ErrNotFound, familyID)
	} else if !errors.Is(err, looptrace.ErrNotFound) {
		return nil, nil, err
	}

	if !haveReview {
		// Check before creating anything so a rejected completion
		// leaves no family behind.
		if _, err := o.store.LoadReview(ctx, c.LoopID); errors.Is(err, looptrace.ErrNotFound) {
			return nil, nil, fmt.Errorf("complete %s: %w", c.LoopID, ErrReviewMissing)
		} else if err != nil {
			return nil, nil, err
		}
	}

	now := o.now().UTC()
	family := looptrace.NewFamily(familyID, c.Persona, o.cfg.MaxReruns, now)
	trace = &looptrace.LoopTrace{
		LoopID:    c.LoopID,
		MaxReruns: family.MaxReruns,
		Persona:   c.Persona,
		Status:    looptrace.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	trace.Normalize()
	return trace, family, nil
}

// review returns the reviewer output for a loop: inline output when
// given, otherwise the stored submission.
func (o *Orchestrator) review(ctx context.Context, loopID string, inline *looptrace.Review) (*looptrace.Review, error) {
	if inline != nil {
		r := *inline
		if r.SubmittedAt.IsZero() {
			r.SubmittedAt = o.now().UTC()
		}
		return &r, nil
	}

	stored, err := o.store.LoadReview(ctx, loopID)
	if errors.Is(err, looptrace.ErrNotFound) {
		return nil, fmt.Errorf("complete %s: %w", loopID, ErrReviewMissing)
	}
	if err != nil {
		return nil, err
	}
	r, err := stored.Sanitize()
	if err != nil {
		return nil, fmt.Errorf("complete %s: stored review: %w", loopID, err)
	}
	return &r, nil
}

func (o *Orchestrator) publishDecision(p *pending) {
	d := p.res.Decision
	triggers := make([]string, len(d.Triggers))
	for i, t := range d.Triggers {
		triggers[i] = string(t)
	}
	o.bus.Publish(events.Event{
		Source: events.SourceGuardrails,
		Kind:   events.KindDecision,
		Data: map[string]any{
			"loop_id":            p.trace.LoopID,
			"family_id":          p.family.FamilyID,
			"decision":           string(d.Decision),
			"reason":             d.Reason,
			"triggers":           triggers,
			"rerun_count":        p.family.RerunCount,
			"max_reruns":         p.family.MaxReruns,
			"reflection_fatigue": p.family.Fatigue,
			"new_loop_id":        d.NewLoopID,
			"overridden_by":      d.OverriddenBy,
			"persona":            p.trace.Persona,
		},
	})
}

// BeginLoop starts a new loop family with a running root trace. A
// finalized family with the same root is discarded and replaced; an
// active one returns [looptrace.ErrLoopExists].
func (o *Orchestrator) BeginLoop(ctx context.Context, opts BeginOptions) (*looptrace.LoopTrace, error) {
	id := strings.TrimSpace(opts.LoopID)
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate loop ID: %w", err)
		}
		id = "loop-" + u.String()
	}
	if looptrace.RootOf(id) != id {
		return nil, fmt.Errorf("begin %s: %w: rerun IDs are assigned by the guardrails", id, ErrInvalidLoopID)
	}
	maxReruns := opts.MaxReruns
	if maxReruns <= 0 {
		maxReruns = o.cfg.MaxReruns
	}

	unlock := o.locks.lock(id)
	defer unlock()

	prev, err := o.store.LoadFamily(ctx, id)
	if err != nil && !errors.Is(err, looptrace.ErrNotFound) {
		return nil, err
	}

	now := o.now().UTC()
	family := looptrace.NewFamily(id, opts.Persona, maxReruns, now)
	if opts.Thresholds != nil {
		th := *opts.Thresholds
		family.Thresholds = &th
	}
	root := looptrace.NewRoot(id, opts.Persona, maxReruns, now)
	if err := o.store.BeginFamily(ctx, family, root); err != nil {
		return nil, fmt.Errorf("begin %s: %w", id, err)
	}
	if prev != nil && prev.Finalized {
		if err := o.audit.DeleteFamily(ctx, id); err != nil {
			o.logger.Warn("discarding previous family reasoning failed", "family_id", id, "error", err)
		}
		o.logger.Info("finalized family replaced by new loop", "family_id", id)
	}

	o.bus.Publish(events.Event{
		Source: events.SourceGuardrails,
		Kind:   events.KindLoopBegun,
		Data: map[string]any{
			"loop_id":    id,
			"persona":    opts.Persona,
			"max_reruns": maxReruns,
		},
	})
	o.logger.Info("loop begun", "loop_id", id, "persona", opts.Persona, "max_reruns", maxReruns)
	return root, nil
}

// SubmitReview stores reviewer output for a loop, to be used by its
// next completion.
func (o *Orchestrator) SubmitReview(ctx context.Context, loopID string, r looptrace.Review) (looptrace.Review, error) {
	loopID = strings.TrimSpace(loopID)
	if loopID == "" {
		return looptrace.Review{}, fmt.Errorf("submit review: %w", ErrInvalidLoopID)
	}
	clean, err := r.Sanitize()
	if err != nil {
		return looptrace.Review{}, fmt.Errorf("submit review %s: %w", loopID, err)
	}
	if clean.SubmittedAt.IsZero() {
		clean.SubmittedAt = o.now().UTC()
	}
	if err := o.store.SaveReview(ctx, loopID, clean); err != nil {
		return looptrace.Review{}, err
	}

	o.bus.Publish(events.Event{
		Source: events.SourceGuardrails,
		Kind:   events.KindReviewSubmitted,
		Data: map[string]any{
			"loop_id":         loopID,
			"alignment_score": clean.AlignmentScore,
			"drift_score":     clean.DriftScore,
			"summary_valid":   clean.SummaryValid,
		},
	})
	o.logger.Debug("review submitted", "loop_id", loopID, "bias_tags", len(clean.BiasTags))
	return clean, nil
}

// Trace returns the trace for loopID with the family's current rerun
// count.
func (o *Orchestrator) Trace(ctx context.Context, loopID string) (*looptrace.LoopTrace, error) {
	t, err := o.store.LoadTrace(ctx, loopID)
	if err != nil {
		return nil, err
	}
	f, err := o.store.LoadFamily(ctx, t.FamilyID)
	switch {
	case err == nil:
		shareFamilyCount(f, t)
	case !errors.Is(err, looptrace.ErrNotFound):
		return nil, err
	}
	return t, nil
}

// Family returns a family's state and traces. Any loop ID of the family
// may be given.
func (o *Orchestrator) Family(ctx context.Context, id string) (*FamilyView, error) {
	familyID := looptrace.RootOf(id)
	f, err := o.store.LoadFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	traces, err := o.store.FamilyTraces(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if traces == nil {
		traces = []*looptrace.LoopTrace{}
	}
	shareFamilyCount(f, traces...)
	return &FamilyView{Family: f, Traces: traces}, nil
}

// shareFamilyCount sets the family's rerun counter and limit on every
// trace. The counter is per family; a trace stores only the value it
// saw when last written.
func shareFamilyCount(f *looptrace.Family, traces ...*looptrace.LoopTrace) {
	for _, t := range traces {
		t.RerunCount = f.RerunCount
		t.MaxReruns = f.MaxReruns
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
