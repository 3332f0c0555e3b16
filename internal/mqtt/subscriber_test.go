package mqtt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/loopguard/internal/decision"
	"github.com/nugget/loopguard/internal/events"
	"github.com/nugget/loopguard/internal/guardrails"
	"github.com/nugget/loopguard/internal/looptrace"
)

func TestPublisher_ReceiveQueuesCompletions(t *testing.T) {
	p := testPublisher(t, nil)
	p.SetCompletionHandler(func(context.Context, guardrails.Completion) (*guardrails.CompletionResult, error) {
		return nil, nil
	}, 2)

	p.receive(p.completionTopic(), []byte(`{"loop_id":"a"}`))
	p.receive("some/other/topic", []byte(`{}`))
	p.receive(p.completionTopic(), []byte(`{"loop_id":"b"}`))
	p.receive(p.completionTopic(), []byte(`{"loop_id":"c"}`))

	if got := len(p.inbound); got != 2 {
		t.Errorf("queued = %d, want 2", got)
	}
	if dropped := p.limiter.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestPublisher_ReceiveWithoutIntake(t *testing.T) {
	p := testPublisher(t, nil)
	// Must not panic when no completion handler is configured.
	p.receive(p.completionTopic(), []byte(`{"loop_id":"a"}`))
}

func TestPublisher_HandleCompletion(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		handlerErr error
		wantCalled bool
		wantReject bool
	}{
		{name: "processed", payload: `{"loop_id":"plan","reflection_status":"done"}`, wantCalled: true},
		{name: "not json", payload: `done`, wantReject: true},
		{name: "missing loop id", payload: `{"reflection_status":"done"}`, wantReject: true},
		{
			name:       "handler error",
			payload:    `{"loop_id":"plan","reflection_status":"running"}`,
			handlerErr: fmt.Errorf("complete plan: %w", guardrails.ErrInvalidStatus),
			wantCalled: true,
			wantReject: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.New()
			ch := bus.Subscribe(8)
			defer bus.Unsubscribe(ch)

			p := testPublisher(t, bus)
			var got guardrails.Completion
			called := false
			p.SetCompletionHandler(func(_ context.Context, c guardrails.Completion) (*guardrails.CompletionResult, error) {
				called = true
				got = c
				if tt.handlerErr != nil {
					return nil, tt.handlerErr
				}
				return &guardrails.CompletionResult{}, nil
			}, 0)

			p.handleCompletion(context.Background(), []byte(tt.payload))

			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if called && got.LoopID != "plan" {
				t.Errorf("handler loop ID = %q, want plan", got.LoopID)
			}

			rejected := false
			select {
			case e := <-ch:
				rejected = e.Kind == events.KindCompletionRejected && e.Source == events.SourceMQTT
			case <-time.After(50 * time.Millisecond):
			}
			if rejected != tt.wantReject {
				t.Errorf("rejection event = %v, want %v", rejected, tt.wantReject)
			}
		})
	}
}

func TestPublisher_ProcessCompletions(t *testing.T) {
	p := testPublisher(t, nil)
	done := make(chan string, 1)
	p.SetCompletionHandler(func(_ context.Context, c guardrails.Completion) (*guardrails.CompletionResult, error) {
		done <- c.LoopID
		return &guardrails.CompletionResult{Decision: decision.Decision{Decision: looptrace.DecisionFinalize}}, nil
	}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.processCompletions(ctx)

	p.receive(p.completionTopic(), []byte(`{"loop_id":"plan","reflection_status":"done"}`))

	select {
	case id := <-done:
		if id != "plan" {
			t.Errorf("processed loop = %q, want plan", id)
		}
	case <-time.After(time.Second):
		t.Fatal("completion was not processed")
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}
	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	rl.reset()
	if !rl.allow() {
		t.Error("message after reset should have been allowed")
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
