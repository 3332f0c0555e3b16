// Package config handles loopguard configuration loading.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/loopguard/config.yaml, /etc/loopguard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loopguard", "config.yaml"))
	}

	paths = append(paths, "/etc/loopguard/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all loopguard configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" (default) or "json"
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GuardrailsConfig holds the deployment-wide guardrail thresholds.
// A zero value means "use the built-in default"; the guardrail packages
// resolve defaults themselves so that an empty section is valid.
type GuardrailsConfig struct {
	// AlignmentThreshold is the minimum acceptable alignment score
	// (default 0.75).
	AlignmentThreshold float64 `yaml:"alignment_threshold"`
	// DriftThreshold is the maximum acceptable drift score (default 0.25).
	DriftThreshold float64 `yaml:"drift_threshold"`
	// BiasRepeatThreshold is how many attempts in one family may carry
	// the same bias tag before the family halts (default 3).
	BiasRepeatThreshold int `yaml:"bias_repeat_threshold"`

	FatigueBaseIncrement  float64 `yaml:"fatigue_base_increment"`  // default 0.15
	FatigueDecayRate      float64 `yaml:"fatigue_decay_rate"`      // default 0.05
	FatigueMinImprovement float64 `yaml:"fatigue_min_improvement"` // default 0.05
	FatigueCritical       float64 `yaml:"fatigue_critical"`        // default 0.5
	MaxFatigue            float64 `yaml:"max_fatigue"`             // default 1.0

	// MaxReruns is the default rerun ceiling for a new family (default 3).
	MaxReruns int `yaml:"max_reruns"`
	// CommitAttempts bounds how many times a completion is retried after
	// a concurrent modification of its family (default 3).
	CommitAttempts int `yaml:"commit_attempts"`
}

// MQTTConfig defines the optional MQTT decision publisher.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://localhost:1883 or mqtts://...
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// DeviceName names this instance in topics and in Home Assistant.
	DeviceName string `yaml:"device_name"`
	// DiscoveryPrefix is the HA discovery topic prefix (default "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishIntervalSec is the sensor state publish period (default 60).
	PublishIntervalSec int `yaml:"publish_interval"`
	// AcceptCompletions subscribes to <base>/complete so completion
	// events can arrive over MQTT as well as HTTP.
	AcceptCompletions bool `yaml:"accept_completions"`
	// RateLimit caps inbound completion messages per minute (default 120).
	RateLimit int `yaml:"rate_limit"`
}

// Configured reports whether enough is set to connect to a broker.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, and fills unset fields with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Metrics: MetricsConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.RateLimit <= 0 {
		c.MQTT.RateLimit = 120
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration. Problems that would make the
// process misbehave (bad log level, bad port) are errors. Guardrail
// thresholds are never fatal: an unusable value is reset to zero, so
// the built-in default applies, and a warning describing the reset is
// returned instead.
func (c *Config) Validate() (warnings []string, err error) {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return nil, err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return nil, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return nil, fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.MQTT.Broker != "" && c.MQTT.DeviceName == "" {
		warnings = append(warnings, "mqtt.broker is set but mqtt.device_name is empty; mqtt disabled")
	}
	return append(warnings, c.Guardrails.sanitize()...), nil
}

// sanitize resets out-of-range thresholds to zero and describes each
// reset.
func (g *GuardrailsConfig) sanitize() []string {
	var warnings []string
	unit := func(name string, v *float64) {
		if *v == 0 {
			return
		}
		if math.IsNaN(*v) || *v < 0 || *v > 1 {
			warnings = append(warnings, fmt.Sprintf("guardrails.%s %v out of range [0,1]; using default", name, *v))
			*v = 0
		}
	}
	positive := func(name string, v *int) {
		if *v < 0 {
			warnings = append(warnings, fmt.Sprintf("guardrails.%s %d is negative; using default", name, *v))
			*v = 0
		}
	}

	unit("alignment_threshold", &g.AlignmentThreshold)
	unit("drift_threshold", &g.DriftThreshold)
	unit("fatigue_base_increment", &g.FatigueBaseIncrement)
	unit("fatigue_decay_rate", &g.FatigueDecayRate)
	unit("fatigue_min_improvement", &g.FatigueMinImprovement)
	unit("fatigue_critical", &g.FatigueCritical)
	unit("max_fatigue", &g.MaxFatigue)
	positive("bias_repeat_threshold", &g.BiasRepeatThreshold)
	positive("max_reruns", &g.MaxReruns)
	positive("commit_attempts", &g.CommitAttempts)
	return warnings
}
