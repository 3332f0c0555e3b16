package guardrails

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nugget/loopguard/internal/decision"
	"github.com/nugget/loopguard/internal/events"
	"github.com/nugget/loopguard/internal/looptrace"
	"github.com/nugget/loopguard/internal/reasoning"
	_ "modernc.org/sqlite"
)

type harness struct {
	orch   *Orchestrator
	traces *looptrace.Store
	audit  *reasoning.Store
	bus    *events.Bus
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every pooled connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	traces, err := looptrace.NewStore(db)
	if err != nil {
		t.Fatalf("new trace store: %v", err)
	}
	audit, err := reasoning.NewStore(db)
	if err != nil {
		t.Fatalf("new reasoning store: %v", err)
	}
	bus := events.New()
	orch := New(traces, reasoning.NewLogger(audit, nil), Config{}, bus, nil)
	return &harness{orch: orch, traces: traces, audit: audit, bus: bus}
}

func review(alignment, drift float64, tags ...string) *looptrace.Review {
	r := &looptrace.Review{AlignmentScore: alignment, DriftScore: drift, SummaryValid: true}
	for _, tag := range tags {
		r.BiasTags = append(r.BiasTags, looptrace.BiasTag{Tag: tag})
	}
	return r
}

func (h *harness) begin(t *testing.T, id string) {
	t.Helper()
	if _, err := h.orch.BeginLoop(context.Background(), BeginOptions{LoopID: id, Persona: "planner"}); err != nil {
		t.Fatalf("BeginLoop(%q) error: %v", id, err)
	}
}

func (h *harness) complete(t *testing.T, c Completion) *CompletionResult {
	t.Helper()
	if c.ReflectionStatus == "" {
		c.ReflectionStatus = StatusDone
	}
	res, err := h.orch.ProcessCompletion(context.Background(), c)
	if err != nil {
		t.Fatalf("ProcessCompletion(%s) error: %v", c.LoopID, err)
	}
	return res
}

func triggers(ts ...looptrace.Trigger) []looptrace.Trigger {
	if ts == nil {
		return []looptrace.Trigger{}
	}
	return ts
}

func TestProcessCompletion_CleanPass(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")

	res := h.complete(t, Completion{LoopID: "plan", Review: review(0.9, 0.1)})

	if res.Decision.Decision != looptrace.DecisionFinalize {
		t.Errorf("decision = %s, want finalize", res.Decision.Decision)
	}
	if res.Decision.Reason != decision.ReasonCleanPass {
		t.Errorf("reason = %q, want %q", res.Decision.Reason, decision.ReasonCleanPass)
	}
	if len(res.Decision.Triggers) != 0 {
		t.Errorf("triggers = %v, want none", res.Decision.Triggers)
	}
	if res.NewLoopID != "" || res.Child != nil {
		t.Errorf("clean pass spawned child %q", res.NewLoopID)
	}

	stored, err := h.traces.LoadTrace(context.Background(), "plan")
	if err != nil {
		t.Fatalf("LoadTrace() error: %v", err)
	}
	if stored.Status != looptrace.StatusFinalized {
		t.Errorf("stored status = %s, want finalized", stored.Status)
	}
	if len(stored.Reasoning) != 1 {
		t.Fatalf("stored reasoning = %d records, want 1", len(stored.Reasoning))
	}

	audit, err := h.audit.ForLoop(context.Background(), "plan")
	if err != nil {
		t.Fatalf("ForLoop() error: %v", err)
	}
	if len(audit) != 1 || audit[0].ID != stored.Reasoning[0].ID {
		t.Errorf("audit records = %+v, want the trace's record", audit)
	}

	f, err := h.traces.LoadFamily(context.Background(), "plan")
	if err != nil {
		t.Fatalf("LoadFamily() error: %v", err)
	}
	if !f.Finalized {
		t.Error("family not finalized after clean pass")
	}
}

func TestProcessCompletion_QualityRerunThenPass(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")

	first := h.complete(t, Completion{LoopID: "plan", Review: review(0.5, 0.4)})
	if first.Decision.Decision != looptrace.DecisionRerun {
		t.Fatalf("decision = %s, want rerun", first.Decision.Decision)
	}
	if got, want := first.Decision.Triggers, triggers(looptrace.TriggerAlignment, looptrace.TriggerDrift); !slices.Equal(got, want) {
		t.Errorf("triggers = %v, want %v", got, want)
	}
	if first.NewLoopID != "plan_r1" {
		t.Errorf("new loop ID = %q, want plan_r1", first.NewLoopID)
	}

	child, err := h.traces.LoadTrace(context.Background(), "plan_r1")
	if err != nil {
		t.Fatalf("LoadTrace(child) error: %v", err)
	}
	if child.RerunOf != "plan" || child.RerunDepth != 1 || child.RerunCount != 1 {
		t.Errorf("child = rerun_of %q depth %d count %d, want plan/1/1",
			child.RerunOf, child.RerunDepth, child.RerunCount)
	}
	if child.Status != looptrace.StatusRunning {
		t.Errorf("child status = %s, want running", child.Status)
	}
	if child.Persona != "planner" {
		t.Errorf("child persona = %q, want planner", child.Persona)
	}

	parent, err := h.traces.LoadTrace(context.Background(), "plan")
	if err != nil {
		t.Fatalf("LoadTrace(parent) error: %v", err)
	}
	if parent.Status != looptrace.StatusRerun || parent.ChildID != "plan_r1" {
		t.Errorf("parent status %s child %q, want rerun/plan_r1", parent.Status, parent.ChildID)
	}

	second := h.complete(t, Completion{LoopID: "plan_r1", Review: review(0.9, 0.1)})
	if second.Decision.Decision != looptrace.DecisionFinalize {
		t.Errorf("second decision = %s, want finalize", second.Decision.Decision)
	}
	if !second.Fatigue.ImprovementDetected {
		t.Error("improvement not detected on second attempt")
	}
	if second.Fatigue.ReflectionFatigue != 0 {
		t.Errorf("fatigue = %v, want 0", second.Fatigue.ReflectionFatigue)
	}
}

func TestProcessCompletion_BiasEchoHalts(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")

	loop := "plan"
	var res *CompletionResult
	for i := range 3 {
		res = h.complete(t, Completion{LoopID: loop, Review: review(0.4, 0.1, "Anchoring")})
		if i < 2 {
			if res.Decision.Decision != looptrace.DecisionRerun {
				t.Fatalf("attempt %d decision = %s, want rerun", i, res.Decision.Decision)
			}
			loop = res.NewLoopID
		}
	}

	if res.Decision.Decision != looptrace.DecisionFinalize {
		t.Fatalf("decision = %s, want finalize", res.Decision.Decision)
	}
	if got, want := res.Decision.Triggers, triggers(looptrace.TriggerBiasEcho); !slices.Equal(got, want) {
		t.Errorf("triggers = %v, want %v", got, want)
	}
	if !slices.Equal(res.Bias.RepeatedTags, []string{"anchoring"}) {
		t.Errorf("repeated tags = %v, want [anchoring]", res.Bias.RepeatedTags)
	}
	if !res.Decision.ForceFinalize {
		t.Error("bias echo did not force finalize")
	}

	global, err := h.traces.GlobalBias(context.Background())
	if err != nil {
		t.Fatalf("GlobalBias() error: %v", err)
	}
	if global["anchoring"] != 3 {
		t.Errorf("global anchoring = %d, want 3", global["anchoring"])
	}
}

func TestProcessCompletion_RerunLimitAndOverride(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")

	wantFatigue := []float64{0, 0.15, 0.30, 0.45}
	loop := "plan"
	var res *CompletionResult
	for i, want := range wantFatigue {
		res = h.complete(t, Completion{LoopID: loop, Review: review(0.3, 0.1)})
		if math.Abs(res.Fatigue.ReflectionFatigue-want) > 1e-9 {
			t.Errorf("attempt %d fatigue = %v, want %v", i, res.Fatigue.ReflectionFatigue, want)
		}
		if i < 3 {
			loop = res.NewLoopID
		}
	}

	if loop != "plan_r3" {
		t.Fatalf("last loop = %q, want plan_r3", loop)
	}
	if res.Decision.Decision != looptrace.DecisionFinalize {
		t.Fatalf("decision at limit = %s, want finalize", res.Decision.Decision)
	}
	if got, want := res.Decision.Triggers, triggers(looptrace.TriggerRerunLimit); !slices.Equal(got, want) {
		t.Errorf("triggers at limit = %v, want %v", got, want)
	}
	if res.Decision.Reason != decision.ReasonRerunLimit {
		t.Errorf("reason = %q, want %q", res.Decision.Reason, decision.ReasonRerunLimit)
	}

	over := h.complete(t, Completion{
		LoopID:            "plan_r3",
		OverrideMaxReruns: true,
		OverrideBy:        "ops",
	})
	if !over.Reevaluated {
		t.Error("override completion was rescored")
	}
	if over.Decision.Decision != looptrace.DecisionRerun {
		t.Fatalf("override decision = %s, want rerun", over.Decision.Decision)
	}
	if over.NewLoopID != "plan_r4" {
		t.Errorf("override new loop = %q, want plan_r4", over.NewLoopID)
	}
	if over.Limit.RerunCount != 3 || !over.Limit.Overridden {
		t.Errorf("limit = %+v, want count 3 overridden", over.Limit)
	}
	if over.Decision.OverriddenBy != "ops" {
		t.Errorf("overridden_by = %q, want ops", over.Decision.OverriddenBy)
	}
	if over.Fatigue.ReflectionFatigue != 0.45 {
		t.Errorf("override fatigue = %v, want unchanged 0.45", over.Fatigue.ReflectionFatigue)
	}

	stored, err := h.traces.LoadTrace(context.Background(), "plan_r3")
	if err != nil {
		t.Fatalf("LoadTrace() error: %v", err)
	}
	if len(stored.Reasoning) != 2 {
		t.Errorf("plan_r3 reasoning = %d records, want 2", len(stored.Reasoning))
	}
	if stored.Completions != 2 {
		t.Errorf("plan_r3 completions = %d, want 2", stored.Completions)
	}

	f, err := h.traces.LoadFamily(context.Background(), "plan")
	if err != nil {
		t.Fatalf("LoadFamily() error: %v", err)
	}
	if f.RerunCount != 4 || f.Finalized {
		t.Errorf("family count %d finalized %v, want 4/false", f.RerunCount, f.Finalized)
	}
}

func TestProcessCompletion_FatigueOverride(t *testing.T) {
	h := setupHarness(t)
	h.orch.cfg.MaxReruns = 10
	if _, err := h.orch.BeginLoop(context.Background(), BeginOptions{LoopID: "plan"}); err != nil {
		t.Fatalf("BeginLoop() error: %v", err)
	}

	loop := "plan"
	var res *CompletionResult
	for range 5 {
		res = h.complete(t, Completion{LoopID: loop, Review: review(0.3, 0.1)})
		if res.Decision.Decision == looptrace.DecisionFinalize {
			break
		}
		loop = res.NewLoopID
	}
	if got, want := res.Decision.Triggers, triggers(looptrace.TriggerFatigue); !slices.Equal(got, want) {
		t.Fatalf("triggers = %v, want %v (fatigue %v)", got, want, res.Fatigue.ReflectionFatigue)
	}

	over := h.complete(t, Completion{LoopID: loop, OverrideFatigue: true, OverrideBy: "ops"})
	if over.Decision.Decision != looptrace.DecisionRerun {
		t.Fatalf("decision = %s, want rerun", over.Decision.Decision)
	}
	if got, want := over.Decision.Triggers, triggers(looptrace.TriggerAlignment, looptrace.TriggerFatigue); !slices.Equal(got, want) {
		t.Errorf("triggers = %v, want %v", got, want)
	}
}

func TestProcessCompletion_StoredReview(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")
	ctx := context.Background()

	if _, err := h.orch.SubmitReview(ctx, "plan", *review(0.8, 0.2)); err != nil {
		t.Fatalf("SubmitReview() error: %v", err)
	}
	res := h.complete(t, Completion{LoopID: "plan"})
	if res.Trace.AlignmentScore != 0.8 {
		t.Errorf("alignment = %v, want 0.8 from stored review", res.Trace.AlignmentScore)
	}
}

func TestProcessCompletion_ValidationLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name string
		c    Completion
	}{
		{name: "status not done", c: Completion{LoopID: "plan", ReflectionStatus: "running", Review: review(0.9, 0.1)}},
		{name: "empty status", c: Completion{LoopID: "plan", Review: review(0.9, 0.1)}},
		{name: "empty loop id", c: Completion{LoopID: "  ", ReflectionStatus: StatusDone, Review: review(0.9, 0.1)}},
		{name: "review missing", c: Completion{LoopID: "plan", ReflectionStatus: StatusDone}},
		{name: "nan score", c: Completion{LoopID: "plan", ReflectionStatus: StatusDone, Review: review(math.NaN(), 0.1)}},
		{name: "fresh loop without review", c: Completion{LoopID: "fresh", ReflectionStatus: StatusDone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t)
			h.begin(t, "plan")
			ctx := context.Background()

			_, err := h.orch.ProcessCompletion(ctx, tt.c)
			if err == nil {
				t.Fatal("ProcessCompletion() succeeded, want validation error")
			}
			if !IsValidation(err) {
				t.Errorf("IsValidation(%v) = false", err)
			}

			tr, err := h.traces.LoadTrace(ctx, "plan")
			if err != nil {
				t.Fatalf("LoadTrace() error: %v", err)
			}
			if tr.Completions != 0 || tr.Status != looptrace.StatusRunning || len(tr.Reasoning) != 0 {
				t.Errorf("trace mutated: completions %d status %s reasoning %d",
					tr.Completions, tr.Status, len(tr.Reasoning))
			}
			if _, err := h.traces.LoadFamily(ctx, "fresh"); !errors.Is(err, looptrace.ErrNotFound) {
				t.Errorf("LoadFamily(fresh) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestProcessCompletion_FreshFamily(t *testing.T) {
	h := setupHarness(t)

	res := h.complete(t, Completion{LoopID: "adhoc", Persona: "scout", Review: review(0.2, 0.1)})
	if res.Decision.Decision != looptrace.DecisionRerun {
		t.Fatalf("decision = %s, want rerun", res.Decision.Decision)
	}
	f, err := h.traces.LoadFamily(context.Background(), "adhoc")
	if err != nil {
		t.Fatalf("LoadFamily() error: %v", err)
	}
	if f.RerunCount != 1 || f.Persona != "scout" {
		t.Errorf("family count %d persona %q, want 1/scout", f.RerunCount, f.Persona)
	}
}

// failingStore fails every commit with a storage error.
type failingStore struct {
	*looptrace.Store
}

func (failingStore) Commit(context.Context, *looptrace.Family, ...*looptrace.LoopTrace) error {
	return errors.New("disk I/O error")
}

func TestProcessCompletion_FreshFamilyCommitFailureLeavesNothing(t *testing.T) {
	h := setupHarness(t)
	orch := New(failingStore{h.traces}, reasoning.NewLogger(h.audit, nil), Config{}, h.bus, nil)

	_, err := orch.ProcessCompletion(context.Background(), Completion{
		LoopID: "adhoc", ReflectionStatus: StatusDone, Review: review(0.2, 0.1),
	})
	if err == nil {
		t.Fatal("ProcessCompletion() succeeded with a failing store")
	}
	if errors.Is(err, ErrContention) {
		t.Errorf("error = %v, storage failure reported as contention", err)
	}

	ctx := context.Background()
	if _, err := h.traces.LoadFamily(ctx, "adhoc"); !errors.Is(err, looptrace.ErrNotFound) {
		t.Errorf("LoadFamily() error = %v, want ErrNotFound", err)
	}
	if _, err := h.traces.LoadTrace(ctx, "adhoc"); !errors.Is(err, looptrace.ErrNotFound) {
		t.Errorf("LoadTrace() error = %v, want ErrNotFound", err)
	}
	if _, err := h.traces.LoadReview(ctx, "adhoc"); !errors.Is(err, looptrace.ErrNotFound) {
		t.Errorf("LoadReview() error = %v, want ErrNotFound", err)
	}
}

func TestProcessCompletion_InlineReviewStoredAfterCommit(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")
	h.complete(t, Completion{LoopID: "plan", Review: review(0.9, 0.1, "recency")})

	got, err := h.traces.LoadReview(context.Background(), "plan")
	if err != nil {
		t.Fatalf("LoadReview() error: %v", err)
	}
	if got.AlignmentScore != 0.9 || len(got.BiasTags) != 1 || got.SubmittedAt.IsZero() {
		t.Errorf("stored review = %+v", got)
	}
}

func TestProcessCompletion_RerunCountSharedAcrossFamily(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")
	ctx := context.Background()

	h.complete(t, Completion{LoopID: "plan", Review: review(0.3, 0.1)})
	second := h.complete(t, Completion{LoopID: "plan_r1", Review: review(0.3, 0.1)})
	if second.NewLoopID != "plan_r2" {
		t.Fatalf("new loop = %q, want plan_r2", second.NewLoopID)
	}
	// The limit check saw the count before this attempt's rerun.
	if second.Limit.RerunCount != 1 {
		t.Errorf("limit rerun count = %d, want 1", second.Limit.RerunCount)
	}
	if second.Trace.RerunCount != 2 || second.Child.RerunCount != 2 {
		t.Errorf("result trace/child count = %d/%d, want 2/2",
			second.Trace.RerunCount, second.Child.RerunCount)
	}

	view, err := h.orch.Family(ctx, "plan")
	if err != nil {
		t.Fatalf("Family() error: %v", err)
	}
	if view.Family.RerunCount != 2 {
		t.Fatalf("family count = %d, want 2", view.Family.RerunCount)
	}
	if len(view.Traces) != 3 {
		t.Fatalf("family traces = %d, want 3", len(view.Traces))
	}
	for _, tr := range view.Traces {
		if tr.RerunCount != view.Family.RerunCount || tr.MaxReruns != view.Family.MaxReruns {
			t.Errorf("Family() trace %s count %d/%d, want %d/%d",
				tr.LoopID, tr.RerunCount, tr.MaxReruns, view.Family.RerunCount, view.Family.MaxReruns)
		}
	}

	for _, id := range []string{"plan", "plan_r1", "plan_r2"} {
		tr, err := h.orch.Trace(ctx, id)
		if err != nil {
			t.Fatalf("Trace(%s) error: %v", id, err)
		}
		if tr.RerunCount != view.Family.RerunCount {
			t.Errorf("Trace(%s) rerun count = %d, want %d", id, tr.RerunCount, view.Family.RerunCount)
		}
	}
}

func TestProcessCompletion_UnknownTraceInFamily(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")

	_, err := h.orch.ProcessCompletion(context.Background(), Completion{
		LoopID: "plan_r2", ReflectionStatus: StatusDone, Review: review(0.9, 0.1),
	})
	if !errors.Is(err, looptrace.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestProcessCompletion_AlreadyRerun(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")
	h.complete(t, Completion{LoopID: "plan", Review: review(0.2, 0.1)})

	_, err := h.orch.ProcessCompletion(context.Background(), Completion{
		LoopID: "plan", ReflectionStatus: StatusDone, Review: review(0.2, 0.1),
	})
	if !errors.Is(err, looptrace.ErrAlreadyRerun) {
		t.Fatalf("error = %v, want ErrAlreadyRerun", err)
	}
}

func TestProcessCompletion_ConcurrentCompletionsSpawnOneChild(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reruns   int
		rejected int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.ProcessCompletion(context.Background(), Completion{
				LoopID: "plan", ReflectionStatus: StatusDone, Review: review(0.2, 0.1),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Decision.Decision == looptrace.DecisionRerun:
				reruns++
			case errors.Is(err, looptrace.ErrAlreadyRerun):
				rejected++
			default:
				t.Errorf("unexpected result %+v, error %v", res, err)
			}
		}()
	}
	wg.Wait()

	if reruns != 1 || rejected != workers-1 {
		t.Errorf("reruns %d rejected %d, want 1 and %d", reruns, rejected, workers-1)
	}
	traces, err := h.traces.FamilyTraces(context.Background(), "plan")
	if err != nil {
		t.Fatalf("FamilyTraces() error: %v", err)
	}
	if len(traces) != 2 {
		t.Errorf("family traces = %d, want 2", len(traces))
	}
	if n := h.orch.locks.held(); n != 0 {
		t.Errorf("family locks held after completion = %d, want 0", n)
	}
}

// conflictStore simulates another process writing the family right
// before each of the first n commits.
type conflictStore struct {
	*looptrace.Store
	mu        sync.Mutex
	remaining int
	commits   int
}

func (s *conflictStore) Commit(ctx context.Context, f *looptrace.Family, traces ...*looptrace.LoopTrace) error {
	s.mu.Lock()
	s.commits++
	bump := s.remaining > 0
	if bump {
		s.remaining--
	}
	s.mu.Unlock()

	if bump {
		other, err := s.Store.LoadFamily(ctx, f.FamilyID)
		if err != nil {
			return err
		}
		if err := s.Store.SaveFamily(ctx, other); err != nil {
			return err
		}
	}
	return s.Store.Commit(ctx, f, traces...)
}

func TestProcessCompletion_Contention(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int
		wantErr   error
		commits   int
	}{
		{name: "one conflict retried", conflicts: 1, commits: 2},
		{name: "two conflicts retried", conflicts: 2, commits: 3},
		{name: "persistent contention", conflicts: 3, wantErr: ErrContention, commits: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t)
			h.begin(t, "plan")
			cs := &conflictStore{Store: h.traces, remaining: tt.conflicts}
			orch := New(cs, reasoning.NewLogger(h.audit, nil), Config{}, h.bus, nil)

			ch := h.bus.Subscribe(16)
			defer h.bus.Unsubscribe(ch)

			res, err := orch.ProcessCompletion(context.Background(), Completion{
				LoopID: "plan", ReflectionStatus: StatusDone, Review: review(0.2, 0.1, "recency"),
			})
			if cs.commits != tt.commits {
				t.Errorf("commits = %d, want %d", cs.commits, tt.commits)
			}

			ctx := context.Background()
			tr, lerr := h.traces.LoadTrace(ctx, "plan")
			if lerr != nil {
				t.Fatalf("LoadTrace() error: %v", lerr)
			}

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if tr.Completions != 0 || tr.Status != looptrace.StatusRunning {
					t.Errorf("trace changed despite contention: %+v", tr)
				}
				if _, err := h.traces.LoadTrace(ctx, "plan_r1"); !errors.Is(err, looptrace.ErrNotFound) {
					t.Errorf("child exists after contention: %v", err)
				}
				if !sawKind(ch, events.KindContention) {
					t.Error("no contention event published")
				}
				return
			}

			if err != nil {
				t.Fatalf("ProcessCompletion() error: %v", err)
			}
			if res.NewLoopID != "plan_r1" {
				t.Errorf("new loop = %q, want plan_r1", res.NewLoopID)
			}
			if len(tr.Reasoning) != 1 {
				t.Errorf("reasoning records = %d, want 1 after retries", len(tr.Reasoning))
			}
			f, err := h.traces.LoadFamily(ctx, "plan")
			if err != nil {
				t.Fatalf("LoadFamily() error: %v", err)
			}
			if f.BiasCounts["recency"] != 1 || f.RerunCount != 1 {
				t.Errorf("family bias %v count %d, want recency:1 and 1", f.BiasCounts, f.RerunCount)
			}
		})
	}
}

func sawKind(ch <-chan events.Event, kind string) bool {
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return true
			}
		default:
			return false
		}
	}
}

func TestProcessCompletion_PublishesDecision(t *testing.T) {
	h := setupHarness(t)
	h.begin(t, "plan")
	ch := h.bus.Subscribe(16)
	defer h.bus.Unsubscribe(ch)

	h.complete(t, Completion{LoopID: "plan", Review: review(0.2, 0.1)})

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind != events.KindDecision {
				continue
			}
			if e.Source != events.SourceGuardrails {
				t.Errorf("source = %q, want %q", e.Source, events.SourceGuardrails)
			}
			if e.Data["decision"] != "rerun" || e.Data["new_loop_id"] != "plan_r1" {
				t.Errorf("event data = %v", e.Data)
			}
			return
		case <-deadline:
			t.Fatal("no decision event")
		}
	}
}

func TestBeginLoop(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	root, err := h.orch.BeginLoop(ctx, BeginOptions{})
	if err != nil {
		t.Fatalf("BeginLoop(generated) error: %v", err)
	}
	if root.LoopID == "" || root.MaxReruns != looptrace.DefaultMaxReruns {
		t.Errorf("generated root = %q max %d", root.LoopID, root.MaxReruns)
	}

	if _, err := h.orch.BeginLoop(ctx, BeginOptions{LoopID: "plan_r2"}); !errors.Is(err, ErrInvalidLoopID) {
		t.Errorf("BeginLoop(rerun id) error = %v, want ErrInvalidLoopID", err)
	}

	h.begin(t, "plan")
	if _, err := h.orch.BeginLoop(ctx, BeginOptions{LoopID: "plan"}); !errors.Is(err, looptrace.ErrLoopExists) {
		t.Errorf("BeginLoop(active) error = %v, want ErrLoopExists", err)
	}
}

func TestBeginLoop_ReplacesFinalizedFamily(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.begin(t, "plan")
	h.complete(t, Completion{LoopID: "plan", Review: review(0.2, 0.1, "anchoring")})
	h.complete(t, Completion{LoopID: "plan_r1", Review: review(0.9, 0.1)})

	maxReruns := 5
	if _, err := h.orch.BeginLoop(ctx, BeginOptions{LoopID: "plan", MaxReruns: maxReruns}); err != nil {
		t.Fatalf("BeginLoop(finalized) error: %v", err)
	}

	view, err := h.orch.Family(ctx, "plan_r1")
	if err != nil {
		t.Fatalf("Family() error: %v", err)
	}
	if len(view.Traces) != 1 || view.Traces[0].LoopID != "plan" {
		t.Errorf("traces after reset = %d, want only the new root", len(view.Traces))
	}
	if view.Family.RerunCount != 0 || len(view.Family.BiasCounts) != 0 || view.Family.MaxReruns != maxReruns {
		t.Errorf("family not reset: %+v", view.Family)
	}
	records, err := h.audit.ForFamily(ctx, "plan")
	if err != nil {
		t.Fatalf("ForFamily() error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("audit records after reset = %d, want 0", len(records))
	}
}

func TestBeginLoop_FamilyThresholds(t *testing.T) {
	h := setupHarness(t)
	alignment := 0.5
	if _, err := h.orch.BeginLoop(context.Background(), BeginOptions{
		LoopID:     "plan",
		Thresholds: &looptrace.Thresholds{Alignment: &alignment},
	}); err != nil {
		t.Fatalf("BeginLoop() error: %v", err)
	}

	res := h.complete(t, Completion{LoopID: "plan", Review: review(0.6, 0.1)})
	if res.Decision.Decision != looptrace.DecisionFinalize {
		t.Errorf("decision = %s, want finalize under the family threshold", res.Decision.Decision)
	}
}

func TestSubmitReview(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	got, err := h.orch.SubmitReview(ctx, "plan", looptrace.Review{AlignmentScore: 1.4, DriftScore: -0.2})
	if err != nil {
		t.Fatalf("SubmitReview() error: %v", err)
	}
	if got.AlignmentScore != 1 || got.DriftScore != 0 {
		t.Errorf("scores = %v/%v, want clamped 1/0", got.AlignmentScore, got.DriftScore)
	}
	if got.SubmittedAt.IsZero() {
		t.Error("SubmittedAt not stamped")
	}

	if _, err := h.orch.SubmitReview(ctx, "", looptrace.Review{}); !errors.Is(err, ErrInvalidLoopID) {
		t.Errorf("SubmitReview(empty id) error = %v, want ErrInvalidLoopID", err)
	}
	if _, err := h.orch.SubmitReview(ctx, "plan", looptrace.Review{DriftScore: math.Inf(1)}); !IsValidation(err) {
		t.Errorf("SubmitReview(inf) error = %v, want validation error", err)
	}
}
