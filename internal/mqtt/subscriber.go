package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/loopguard/internal/events"
	"github.com/nugget/loopguard/internal/guardrails"
)

// inboundQueue bounds completion messages waiting to be processed.
const inboundQueue = 32

// CompletionHandler processes one completion event received over MQTT.
// [*guardrails.Orchestrator.ProcessCompletion] satisfies it.
type CompletionHandler func(ctx context.Context, c guardrails.Completion) (*guardrails.CompletionResult, error)

// SetCompletionHandler enables the completion command topic. Messages
// beyond ratePerMinute are dropped. It must be called before
// [Publisher.Start].
func (p *Publisher) SetCompletionHandler(h CompletionHandler, ratePerMinute int) {
	if ratePerMinute <= 0 {
		ratePerMinute = 120
	}
	p.onComplete = h
	p.limiter = newMessageRateLimiter(int64(ratePerMinute), time.Minute, p.logger)
	p.inbound = make(chan []byte, inboundQueue)
}

// completionTopic is where agents publish completion events.
func (p *Publisher) completionTopic() string {
	return p.baseTopic() + "/complete"
}

// rejectionTopic receives a JSON error for each completion that could
// not be processed.
func (p *Publisher) rejectionTopic() string {
	return p.completionTopic() + "/rejected"
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.inbound == nil {
		return
	}
	topic := p.completionTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt accepting completions", "topic", topic)
}

// receive is called from the paho router. It must not block, so
// messages are queued for processCompletions.
func (p *Publisher) receive(topic string, payload []byte) {
	if p.inbound == nil || topic != p.completionTopic() {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if !p.limiter.allow() {
		return
	}
	select {
	case p.inbound <- payload:
	default:
		p.limiter.dropped.Add(1)
	}
}

func (p *Publisher) processCompletions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.inbound:
			p.handleCompletion(ctx, payload)
		}
	}
}

// handleCompletion decodes and processes one completion message. The
// decision itself reaches MQTT through the bus; only failures are
// reported here.
func (p *Publisher) handleCompletion(ctx context.Context, payload []byte) {
	var c guardrails.Completion
	if err := json.Unmarshal(payload, &c); err != nil {
		p.reject(ctx, "", errors.New("payload is not a completion event: "+err.Error()))
		return
	}
	if strings.TrimSpace(c.LoopID) == "" {
		p.reject(ctx, "", guardrails.ErrInvalidLoopID)
		return
	}

	res, err := p.onComplete(ctx, c)
	if err != nil {
		p.reject(ctx, c.LoopID, err)
		return
	}
	p.logger.Debug("mqtt completion processed",
		"loop_id", c.LoopID, "decision", res.Decision.Decision)
}

// rejection is the payload published to the rejection topic.
type rejection struct {
	LoopID string `json:"loop_id,omitempty"`
	Error  string `json:"error"`
}

func (p *Publisher) reject(ctx context.Context, loopID string, err error) {
	level := slog.LevelWarn
	if guardrails.IsValidation(err) {
		level = slog.LevelInfo
	}
	p.logger.Log(ctx, level, "mqtt completion rejected", "loop_id", loopID, "error", err)

	p.bus.Publish(events.Event{
		Source: events.SourceMQTT,
		Kind:   events.KindCompletionRejected,
		Data: map[string]any{
			"topic":   p.completionTopic(),
			"loop_id": loopID,
			"error":   err.Error(),
		},
	})

	if p.cm == nil {
		return
	}
	payload, _ := json.Marshal(rejection{LoopID: loopID, Error: err.Error()})
	if _, perr := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.rejectionTopic(),
		Payload: payload,
		QoS:     1,
	}); perr != nil {
		p.logger.Debug("mqtt rejection publish failed", "error", perr)
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter at each interval boundary, warning about
// any drops, until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt completions dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow reports whether another message fits in the current interval.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
