// Package connwatch tracks the health of loopguard's dependencies: the
// SQLite database every decision commits to, and the optional MQTT
// broker.
//
// Each [Watcher] probes one dependency. While the dependency is down the
// probe interval backs off exponentially from Backoff.InitialDelay to
// Backoff.MaxDelay; once it is up, probes run every Backoff.PollInterval.
// State transitions are logged and reported through OnChange.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry after a failure (default 1s)
	MaxDelay     time.Duration // retry ceiling (default 30s)
	Multiplier   float64       // growth per consecutive failure (default 2)
	PollInterval time.Duration // interval while healthy (default 30s)
	ProbeTimeout time.Duration // per-probe limit (default 5s)
}

// DefaultBackoffConfig returns 1s, 2s, 4s, ... capped at 30s while down,
// and 30-second polling while up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures one dependency watcher.
type WatcherConfig struct {
	Name  string
	Probe ProbeFunc
	// Critical marks a dependency without which loopguard cannot make
	// decisions. See [Manager.Healthy].
	Critical bool
	Backoff  BackoffConfig
	// OnChange is called with the new state after every transition,
	// including the first probe result. Optional.
	OnChange func(ready bool, err error)
	Logger   *slog.Logger
}

// ServiceStatus is the health of one dependency.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Critical  bool      `json:"critical"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	cfg  WatcherConfig
	done chan struct{}

	mu     sync.Mutex
	status ServiceStatus
	probed bool
}

// Status returns the dependency's current health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Wait blocks until the watcher stops.
func (w *Watcher) Wait() {
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	retry := b.InitialDelay
	for {
		ready := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		next := b.PollInterval
		if !ready {
			next = retry
			retry = min(time.Duration(float64(retry)*b.Multiplier), b.MaxDelay)
		} else {
			retry = b.InitialDelay
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the result, reporting whether the
// dependency is up.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	first := !w.probed
	changed := first || w.status.Ready != (err == nil)
	w.probed = true
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	w.mu.Unlock()

	log := w.cfg.Logger
	switch {
	case err == nil && changed:
		log.Info("dependency ready", "dependency", w.cfg.Name)
	case err != nil && changed:
		log.Warn("dependency unreachable", "dependency", w.cfg.Name, "error", err)
	case err != nil:
		log.Debug("dependency still unreachable", "dependency", w.cfg.Name, "error", err)
	}
	if changed && w.cfg.OnChange != nil {
		w.cfg.OnChange(err == nil, err)
	}
	return err == nil
}

// Manager owns the watchers for all dependencies.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a Manager. A nil logger falls back to
// [slog.Default].
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that probes until ctx is cancelled. Name and
// Probe are required; Watch panics without them.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: WatcherConfig needs a Name and a Probe")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	w := &Watcher{
		cfg:    cfg,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name, Critical: cfg.Critical},
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns the health of every watched dependency by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every critical dependency is ready. A
// critical dependency that has not been probed yet counts as down.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if s.Critical && !s.Ready {
			return false
		}
	}
	return true
}
