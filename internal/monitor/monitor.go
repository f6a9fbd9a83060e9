// Package monitor tracks store connectivity with a periodic heartbeat probe
// and restores subscriptions when connectivity returns.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/history"
	"github.com/loykin/livesync/internal/metrics"
	"github.com/loykin/livesync/internal/query"
)

// ErrProbeFailed wraps every probe failure. Probe failures are only logged
// and counted, never returned to callers.
var ErrProbeFailed = errors.New("connectivity probe failed")

// Defaults applied to zero Config fields.
const (
	DefaultInterval           = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultProbeTimeout       = 10 * time.Second
	DefaultSentinelCollection = "_health"

	historyTimeout = 2 * time.Second
)

// State is the believed connectivity of the store.
type State uint8

const (
	StateDisconnected State = iota
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Config controls the heartbeat.
type Config struct {
	Interval           time.Duration `mapstructure:"interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	SentinelCollection string        `mapstructure:"sentinel_collection"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.SentinelCollection == "" {
		c.SentinelCollection = DefaultSentinelCollection
	}
	return c
}

// Prober runs the single-shot sentinel read.
type Prober interface {
	RunOnce(ctx context.Context, q query.Query) (docstore.Snapshot, error)
}

// Restarter re-registers every known subscription.
type Restarter interface {
	RestartAll(ctx context.Context) bool
}

// Status is a point-in-time view of the monitor.
type Status struct {
	IsConnected         bool `json:"isConnected" yaml:"is_connected"`
	ConsecutiveFailures int  `json:"consecutiveFailures" yaml:"consecutive_failures"`
	HeartbeatActive     bool `json:"heartbeatActive" yaml:"heartbeat_active"`
}

// Monitor is the connection state machine.
type Monitor struct {
	cfg       Config
	prober    Prober
	restarter Restarter
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	hbStop    chan struct{} // non-nil while the heartbeat is scheduled
	hooks     []func(old, new State)
	histSinks []history.Sink

	// serializes Tick and Reconnect
	probeMu sync.Mutex
}

// New creates a stopped monitor in the disconnected state.
func New(cfg Config, prober Prober, restarter Restarter, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		prober:    prober,
		restarter: restarter,
		logger:    logger.With("component", "monitor"),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// SetHistorySinks configures sinks receiving connected/disconnected events.
func (m *Monitor) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// OnStateChange registers a hook called after every connectivity transition.
// Hooks run on the probing goroutine and must not call Tick or Reconnect.
func (m *Monitor) OnStateChange(fn func(old, new State)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Start runs the startup probe to determine the initial state and schedules
// the heartbeat. It is a no-op returning the current state when the
// heartbeat is already running.
func (m *Monitor) Start(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	m.mu.Lock()
	if m.hbStop != nil {
		ok := m.state == StateConnected
		m.mu.Unlock()
		return ok
	}
	m.mu.Unlock()

	ok := m.probe(ctx)

	m.mu.Lock()
	if ok {
		m.state = StateConnected
		m.failures = 0
	} else {
		m.state = StateDisconnected
		m.failures++
	}
	failures := m.failures
	m.startHeartbeatLocked()
	m.mu.Unlock()

	metrics.SetConnected(ok)
	metrics.SetConsecutiveFailures(failures)
	m.logger.Info("heartbeat started", "connected", ok, "interval", m.cfg.Interval)
	return ok
}

// Stop cancels the heartbeat. It is safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopped := m.stopHeartbeatLocked()
	m.mu.Unlock()
	if stopped {
		m.logger.Info("heartbeat stopped")
	}
}

func (m *Monitor) startHeartbeatLocked() {
	if m.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	m.hbStop = stop
	interval := m.cfg.Interval
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.Tick(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

func (m *Monitor) stopHeartbeatLocked() bool {
	if m.hbStop == nil {
		return false
	}
	close(m.hbStop)
	m.hbStop = nil
	return true
}

// Tick runs one heartbeat step. A failed probe increments the failure count
// and a successful one resets it. Transitions are evaluated on the boundary
// only: disconnected to connected restarts every subscription once. Reaching
// MaxRetries consecutive failures stops the heartbeat until Reconnect.
// Tick does nothing while the heartbeat is not scheduled.
func (m *Monitor) Tick(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	if !m.HeartbeatActive() {
		return false
	}
	ok := m.probe(ctx)

	m.mu.Lock()
	if m.hbStop == nil {
		// stopped while probing
		m.mu.Unlock()
		return ok
	}
	prev := m.state
	if ok {
		m.state = StateConnected
		m.failures = 0
	} else {
		m.state = StateDisconnected
		m.failures++
	}
	next, failures := m.state, m.failures
	failStop := !ok && failures >= m.cfg.MaxRetries && m.stopHeartbeatLocked()
	m.mu.Unlock()

	metrics.SetConsecutiveFailures(failures)
	if failStop {
		m.logger.Error("heartbeat stopped after consecutive probe failures; reconnect required",
			"failures", failures, "max_retries", m.cfg.MaxRetries)
	}
	m.transition(ctx, prev, next)
	return ok
}

// Reconnect resets the failure count and probes. On success it marks the
// store connected, reschedules the heartbeat if it was stopped and restarts
// every subscription.
func (m *Monitor) Reconnect(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()

	ok := m.probe(ctx)

	m.mu.Lock()
	prev := m.state
	if ok {
		m.state = StateConnected
		m.startHeartbeatLocked()
	} else {
		m.state = StateDisconnected
		m.failures++
	}
	next, failures := m.state, m.failures
	m.mu.Unlock()

	metrics.SetConsecutiveFailures(failures)
	m.logger.Info("manual reconnect", "connected", ok)
	if prev != next {
		m.notify(prev, next)
	}
	if ok && m.restarter != nil {
		m.restarter.RestartAll(ctx)
	}
	return ok
}

func (m *Monitor) transition(ctx context.Context, prev, next State) {
	if prev == next {
		return
	}
	m.notify(prev, next)
	if next == StateConnected && m.restarter != nil {
		m.restarter.RestartAll(ctx)
	}
}

func (m *Monitor) notify(prev, next State) {
	m.mu.Lock()
	hooks := slices.Clone(m.hooks)
	sinks := append([]history.Sink(nil), m.histSinks...)
	m.mu.Unlock()

	if next == StateConnected {
		m.logger.Info("store connection restored")
	} else {
		m.logger.Warn("store connection lost")
	}
	metrics.SetConnected(next == StateConnected)
	metrics.RecordStateTransition(prev.String(), next.String())
	if len(sinks) > 0 {
		t := history.EventDisconnected
		if next == StateConnected {
			t = history.EventConnected
		}
		hctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		history.Dispatch(hctx, m.logger, sinks, history.NewEvent(t))
		cancel()
	}
	for _, fn := range hooks {
		fn(prev, next)
	}
}

// Probe issues a bounded single-result read against the sentinel collection.
// It does not change the monitor state.
func (m *Monitor) Probe(ctx context.Context) bool {
	return m.probe(ctx)
}

func (m *Monitor) probe(ctx context.Context) (ok bool) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			m.logger.Debug("probe panicked", "error", fmt.Errorf("%w: %v", ErrProbeFailed, p))
			ok = false
		}
		metrics.ObserveProbe(ok, time.Since(start).Seconds())
	}()
	q := query.New(m.cfg.SentinelCollection).Limit(1)
	if _, err := m.prober.RunOnce(ctx, q); err != nil {
		m.logger.Debug("probe failed", "error", fmt.Errorf("%w: %w", ErrProbeFailed, err))
		return false
	}
	return true
}

// Status returns the current connectivity view.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		IsConnected:         m.state == StateConnected,
		ConsecutiveFailures: m.failures,
		HeartbeatActive:     m.hbStop != nil,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HeartbeatActive reports whether the periodic probe is scheduled.
func (m *Monitor) HeartbeatActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hbStop != nil
}
