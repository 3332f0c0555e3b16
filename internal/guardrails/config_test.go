package guardrails

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/loopguard/internal/config"
	"github.com/nugget/loopguard/internal/decision"
	"github.com/nugget/loopguard/internal/fatigue"
	"github.com/nugget/loopguard/internal/looptrace"
)

func TestParseConfig_Defaults(t *testing.T) {
	c := ParseConfig(config.GuardrailsConfig{})

	if c.Decision.AlignmentThreshold != decision.DefaultAlignmentThreshold {
		t.Errorf("alignment = %v, want %v", c.Decision.AlignmentThreshold, decision.DefaultAlignmentThreshold)
	}
	if c.Decision.DriftThreshold != decision.DefaultDriftThreshold {
		t.Errorf("drift = %v, want %v", c.Decision.DriftThreshold, decision.DefaultDriftThreshold)
	}
	if c.Fatigue != fatigue.DefaultConfig() {
		t.Errorf("fatigue = %+v, want defaults", c.Fatigue)
	}
	if c.BiasRepeat != 3 || c.MaxReruns != 3 || c.CommitAttempts != DefaultCommitAttempts {
		t.Errorf("bias %d max %d attempts %d, want 3/3/%d",
			c.BiasRepeat, c.MaxReruns, c.CommitAttempts, DefaultCommitAttempts)
	}
}

func TestParseConfig_Explicit(t *testing.T) {
	c := ParseConfig(config.GuardrailsConfig{
		AlignmentThreshold:   0.6,
		DriftThreshold:       0.4,
		BiasRepeatThreshold:  2,
		FatigueBaseIncrement: 0.2,
		FatigueCritical:      0.7,
		MaxReruns:            5,
		CommitAttempts:       7,
	})

	if c.Decision.AlignmentThreshold != 0.6 || c.Decision.DriftThreshold != 0.4 {
		t.Errorf("decision = %+v", c.Decision)
	}
	if c.Fatigue.BaseIncrement != 0.2 || c.Fatigue.Critical != 0.7 {
		t.Errorf("fatigue = %+v", c.Fatigue)
	}
	if c.Fatigue.DecayRate != fatigue.DefaultDecayRate {
		t.Errorf("decay = %v, want default", c.Fatigue.DecayRate)
	}
	if c.BiasRepeat != 2 || c.MaxReruns != 5 || c.CommitAttempts != 7 {
		t.Errorf("bias %d max %d attempts %d", c.BiasRepeat, c.MaxReruns, c.CommitAttempts)
	}
}

func TestConfig_ForFamily(t *testing.T) {
	base := ParseConfig(config.GuardrailsConfig{})
	ptr := func(v float64) *float64 { return &v }
	two := 2

	tests := []struct {
		name  string
		th    *looptrace.Thresholds
		check func(t *testing.T, c Config)
	}{
		{
			name: "nil keeps deployment values",
			th:   nil,
			check: func(t *testing.T, c Config) {
				if c != base {
					t.Errorf("config = %+v, want %+v", c, base)
				}
			},
		},
		{
			name: "overrides apply",
			th:   &looptrace.Thresholds{Alignment: ptr(0.5), FatigueCritical: ptr(0.9), BiasRepeat: &two},
			check: func(t *testing.T, c Config) {
				if c.Decision.AlignmentThreshold != 0.5 || c.Fatigue.Critical != 0.9 || c.BiasRepeat != 2 {
					t.Errorf("config = %+v", c)
				}
				if c.Decision.DriftThreshold != base.Decision.DriftThreshold {
					t.Errorf("drift = %v, want inherited %v", c.Decision.DriftThreshold, base.Decision.DriftThreshold)
				}
			},
		},
		{
			name: "out of range falls back",
			th:   &looptrace.Thresholds{Alignment: ptr(1.5), FatigueBase: ptr(-1)},
			check: func(t *testing.T, c Config) {
				if c.Decision.AlignmentThreshold != decision.DefaultAlignmentThreshold {
					t.Errorf("alignment = %v, want default", c.Decision.AlignmentThreshold)
				}
				if c.Fatigue.BaseIncrement != fatigue.DefaultBaseIncrement {
					t.Errorf("base = %v, want default", c.Fatigue.BaseIncrement)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, base.forFamily(tt.th))
		})
	}
}

func TestFamilyLocks_SerializesSameFamily(t *testing.T) {
	l := newFamilyLocks()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("plan")
			defer unlock()
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("two holders inside the same family lock")
	}
	if n := l.held(); n != 0 {
		t.Errorf("held() = %d after release, want 0", n)
	}
}

func TestFamilyLocks_IndependentFamilies(t *testing.T) {
	l := newFamilyLocks()
	unlockA := l.lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on family b blocked behind family a")
	}
	if n := l.held(); n != 1 {
		t.Errorf("held() = %d, want 1", n)
	}
}

func TestIsValidation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("x: %w", ErrInvalidStatus), true},
		{fmt.Errorf("x: %w", ErrReviewMissing), true},
		{ErrInvalidLoopID, true},
		{fmt.Errorf("x: %w", looptrace.ErrInvalidReview), true},
		{ErrContention, false},
		{looptrace.ErrNotFound, false},
		{errors.New("disk full"), false},
	}
	for _, tt := range tests {
		if got := IsValidation(tt.err); got != tt.want {
			t.Errorf("IsValidation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrInvalidStatus, "invalid"},
		{fmt.Errorf("complete: %w", ErrContention), "contention"},
		{looptrace.ErrAlreadyRerun, "error"},
	}
	for _, tt := range tests {
		if got := resultLabel(tt.err); got != tt.want {
			t.Errorf("resultLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
