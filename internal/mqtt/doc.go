// Package mqtt makes loopguard visible to Home Assistant and other MQTT
// consumers. It publishes discovery messages for a small set of sensor
// entities, periodic sensor state, and every guardrail decision as a
// JSON message. When enabled it also accepts completion events on a
// command topic, so agents that already speak MQTT need no HTTP
// client.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a
// birth message ("online") to the availability topic, and
// re-subscribes to the completion topic. A will message moves the
// availability topic to "offline" on unexpected disconnects.
package mqtt
