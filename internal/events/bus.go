// Package events provides a publish/subscribe event bus for guardrail
// observability. Events flow from the orchestrator to subscribers (the
// WebSocket stream, the MQTT publisher). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceGuardrails identifies events from the guardrails orchestrator.
	SourceGuardrails = "guardrails"
	// SourceMQTT identifies events from the MQTT completion listener.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindLoopBegun signals a new loop family was started.
	// Data: loop_id, persona, max_reruns.
	KindLoopBegun = "loop_begun"
	// KindReviewSubmitted signals reviewer output was stored for a loop.
	// Data: loop_id, alignment_score, drift_score, summary_valid.
	KindReviewSubmitted = "review_submitted"
	// KindDecision signals a completion was processed.
	// Data: loop_id, family_id, decision, reason, triggers,
	// rerun_count, max_reruns, reflection_fatigue, new_loop_id,
	// overridden_by.
	KindDecision = "decision"
	// KindContention signals a completion gave up after repeated
	// concurrent modification of its family.
	// Data: loop_id, family_id, attempts.
	KindContention = "contention"
	// KindCompletionRejected signals an inbound completion message
	// could not be processed.
	// Data: topic, error.
	KindCompletionRejected = "completion_rejected"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu      sync.RWMutex
	dropped atomic.Int64
	subs    map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is set to the current time. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
