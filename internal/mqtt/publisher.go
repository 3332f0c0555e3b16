package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/loopguard/internal/config"
	"github.com/nugget/loopguard/internal/events"
)

// StatsSource provides process data for sensor state publishing.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
}

// Publisher manages the MQTT connection, publishes HA discovery config
// on (re-)connect, forwards decision events from the bus, and pushes
// periodic sensor state.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	daily      *DailyDecisions
	stats      StatsSource
	bus        *events.Bus
	logger     *slog.Logger

	// cm is set once by Start; mu guards reads from other goroutines.
	mu sync.Mutex
	cm *autopaho.ConnectionManager

	// Completion intake; nil unless SetCompletionHandler was called.
	onComplete CompletionHandler
	limiter    *messageRateLimiter
	inbound    chan []byte
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, daily *DailyDecisions, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		daily:      daily,
		stats:      stats,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and runs until ctx is cancelled.
// On every (re-)connect it publishes discovery configs and a birth
// message, and subscribes to the completion topic when intake is on.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "loopguard-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if p.inbound != nil {
		go p.limiter.start(ctx)
		go p.processCompletions(ctx)
	}
	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// ctx bounds how long the publish and disconnect may take.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "loopguard/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

// decisionsTopic carries one JSON message per guardrail decision.
func (p *Publisher) decisionsTopic() string {
	return p.baseTopic() + "/decisions"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	sensor := func(entity, name, icon string) SensorConfig {
		// Short names with HasEntityName let HA prefix the device name
		// itself; ObjectID keeps entity IDs stable.
		return SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: avail,
			Device:            p.device,
			Icon:              icon,
		}
	}
	counter := func(entity, name, icon string) SensorConfig {
		c := sensor(entity, name, icon)
		c.StateClass = "total_increasing"
		c.UnitOfMeasurement = "decisions"
		return c
	}

	uptime := sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	version := sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"
	last := sensor("last_decision", "Last Decision", "mdi:source-branch")
	last.JsonAttributesTopic = p.attributesTopic("last_decision")

	return []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"finalized_today", counter("finalized_today", "Finalized Today", "mdi:check-circle")},
		{"reruns_today", counter("reruns_today", "Reruns Today", "mdi:replay")},
		{"halts_today", counter("halts_today", "Halts Today", "mdi:hand-back-left")},
		{"last_decision", last},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Run loop ---

// runLoop forwards decision events as they happen and republishes all
// sensor states every publish interval.
func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ch <-chan events.Event
	if p.bus != nil {
		ch = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(ch)
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindDecision {
				continue
			}
			p.daily.Observe(e)
			p.publishDecision(ctx, e)
			p.publishStates(ctx)
		}
	}
}

// decisionMessage is the payload published to the decisions topic.
type decisionMessage struct {
	Timestamp time.Time      `json:"ts"`
	Decision  map[string]any `json:"decision"`
}

func (p *Publisher) publishDecision(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(decisionMessage{Timestamp: e.Timestamp, Decision: e.Data})
	if err != nil {
		p.logger.Error("mqtt marshal decision", "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.decisionsTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt decision publish failed", "loop_id", e.Data["loop_id"], "error", err)
	}
}

// sensorStates renders the current value of every sensor entity, plus
// the JSON attributes of the last decision when there is one.
func (p *Publisher) sensorStates() (states map[string]string, lastAttrs []byte) {
	counts := p.daily.Snapshot()
	states = map[string]string{
		"uptime":          p.stats.Uptime().Truncate(time.Second).String(),
		"version":         p.stats.Version(),
		"finalized_today": strconv.FormatInt(counts.Finalized, 10),
		"reruns_today":    strconv.FormatInt(counts.Reruns, 10),
		"halts_today":     strconv.FormatInt(counts.Halts, 10),
		"last_decision":   "none",
	}
	if counts.Last != nil {
		states["last_decision"] = counts.Last.Decision
		lastAttrs, _ = json.Marshal(counts.Last)
	}
	return states, lastAttrs
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states, lastAttrs := p.sensorStates()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}
	if lastAttrs != nil {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.attributesTopic("last_decision"),
			Payload: lastAttrs,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt attributes publish failed", "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}
