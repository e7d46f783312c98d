// Package monitor watches a tunnel and restarts it when it stops answering
// health checks, within the limits of a restart rate limiter.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/hookrelay/internal/notify"
	"github.com/btouchard/hookrelay/internal/tunnel"
)

// State of the recovery state machine.
type State string

const (
	StateNormal     State = "normal"
	StateDegraded   State = "degraded"
	StateRecovering State = "recovering"
	StateRecovered  State = "recovered"
	StateEscalated  State = "escalated"
)

// ErrEscalated is returned by Run when recovery is exhausted and the whole
// process needs restarting.
var ErrEscalated = errors.New("tunnel recovery exhausted, process restart required")

// Escalation thresholds on consecutive failures.
const (
	escalateWhenRejected = 3
	escalateWhenFailed   = 2
)

// Recovery outcomes used for metrics.
const (
	outcomeRecovered = "recovered"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
	outcomeEscalated = "escalated"
)

// Registrar points the webhook at a freshly started tunnel URL.
type Registrar func(ctx context.Context, publicURL string) error

// Config tunes the monitor. Zero durations and a zero restart cap take the
// DefaultConfig values; rate limiting cannot be switched off.
type Config struct {
	Interval           time.Duration
	RestartCooldown    time.Duration
	MaxRestartsPerHour int
	RestartDelay       time.Duration
	// ExemptProviders are never health-checked.
	ExemptProviders []string
}

// DefaultConfig returns the stock monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:           2 * time.Minute,
		RestartCooldown:    300 * time.Second,
		MaxRestartsPerHour: 3,
		RestartDelay:       2 * time.Second,
		ExemptProviders:    []string{tunnel.KindNgrok.String()},
	}
}

// Monitor periodically checks one provider and drives recovery.
type Monitor struct {
	provider tunnel.Provider
	register Registrar
	cfg      Config
	limiter  *RateLimiter
	metrics  *Metrics
	events   notify.Notifier

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu               sync.Mutex
	state            State
	failures         int
	lastCheck        time.Time
	lastCheckHealthy bool
	lastCheckMessage string
	lastAttemptID    string
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithMetrics records monitor activity in m.
func WithMetrics(m *Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithNotifier publishes lifecycle events to n.
func WithNotifier(n notify.Notifier) Option {
	return func(mon *Monitor) { mon.events = n }
}

// WithClock replaces the wall clock and sleep function.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(mon *Monitor) {
		if now != nil {
			mon.now = now
		}
		if sleep != nil {
			mon.sleep = sleep
		}
	}
}

// New creates a monitor for p. register may be nil when no webhook needs
// updating after a restart.
func New(p tunnel.Provider, register Registrar, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = def.RestartCooldown
	}
	if cfg.MaxRestartsPerHour <= 0 {
		cfg.MaxRestartsPerHour = def.MaxRestartsPerHour
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}

	m := &Monitor{
		provider: p,
		register: register,
		cfg:      cfg,
		events:   notify.Nop,
		now:      time.Now,
		sleep:    sleepContext,
		state:    StateNormal,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.limiter = NewRateLimiter(cfg.RestartCooldown, cfg.MaxRestartsPerHour)
	m.limiter.nowFn = m.now
	return m
}

// Monitored reports whether the provider is health-checked at all.
// Providers without a stable URL and exempt providers are not.
func (m *Monitor) Monitored() bool {
	if !m.provider.ProvidesStableURL() {
		return false
	}
	return !slices.Contains(m.cfg.ExemptProviders, m.provider.Name())
}

// CheckHealth probes the provider. Unmonitored providers are reported
// healthy without being probed.
func (m *Monitor) CheckHealth(ctx context.Context) bool {
	name := m.provider.Name()

	if !m.Monitored() {
		m.metrics.observeCheck(name, "skipped")
		return true
	}

	healthy, msg := m.probe(ctx)

	m.mu.Lock()
	m.lastCheck = m.now()
	m.lastCheckHealthy = healthy
	m.lastCheckMessage = msg
	if healthy {
		m.failures = 0
		m.state = StateNormal
	} else if m.state != StateEscalated {
		m.state = StateDegraded
	}
	failures := m.failures
	m.mu.Unlock()

	m.metrics.setFailures(name, failures)

	if healthy {
		m.metrics.observeCheck(name, "healthy")
		slog.Debug("tunnel healthy", "provider", name, "message", msg)
		return true
	}

	m.metrics.observeCheck(name, "unhealthy")
	slog.Warn("tunnel health check failed",
		"provider", name,
		"message", msg,
		"consecutive_failures", failures)
	m.events.Notify(notify.Event{
		Type:     notify.TunnelUnhealthy,
		Provider: name,
		URL:      m.provider.URL(),
		Message:  msg,
	})
	return false
}

// probe calls the provider's health check, converting a panic into an
// unhealthy result.
func (m *Monitor) probe(ctx context.Context) (healthy bool, msg string) {
	defer func() {
		if r := recover(); r != nil {
			healthy, msg = false, fmt.Sprintf("health check panicked: %v", r)
		}
	}()
	return m.provider.HealthCheck(ctx)
}

// RecoverFromFailure attempts a rate-limited restart. It returns false when
// recovery is exhausted and the caller must restart the whole process; true
// means either recovered or wait for the next cycle.
func (m *Monitor) RecoverFromFailure(ctx context.Context) bool {
	name := m.provider.Name()
	attemptID := uuid.NewString()

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.lastAttemptID = attemptID
	m.state = StateRecovering
	m.mu.Unlock()

	m.metrics.setFailures(name, failures)
	log := slog.With("provider", name, "attempt_id", attemptID, "consecutive_failures", failures)

	decision := m.limiter.Allow()
	if !decision.Allowed {
		log.Warn("tunnel restart rejected", "reason", decision.Reason)
		m.events.Notify(notify.Event{
			Type:      notify.TunnelRecoveryRejected,
			Provider:  name,
			Message:   decision.Reason,
			AttemptID: attemptID,
		})

		if failures >= escalateWhenRejected {
			m.escalate(attemptID, fmt.Sprintf("restart %s after %d consecutive failures", decision.Reason, failures))
			return false
		}
		m.metrics.observeRecovery(name, outcomeRejected)
		m.setState(StateDegraded)
		return true
	}

	log.Info("restarting tunnel")
	publicURL, err := m.restart(ctx)
	if err != nil {
		log.Error("tunnel restart failed", "error", err)
		if failures >= escalateWhenFailed {
			m.escalate(attemptID, fmt.Sprintf("restart failed after %d consecutive failures: %v", failures, err))
			return false
		}
		m.metrics.observeRecovery(name, outcomeFailed)
		m.setState(StateDegraded)
		return true
	}

	m.limiter.Record()

	m.mu.Lock()
	m.failures = 0
	m.state = StateRecovered
	m.mu.Unlock()

	m.metrics.setFailures(name, 0)
	m.metrics.setRestarts(name, m.limiter.RestartsLastHour())
	m.metrics.observeRecovery(name, outcomeRecovered)

	log.Info("tunnel recovered", "public_url", publicURL)
	m.events.Notify(notify.Event{
		Type:      notify.TunnelRecovered,
		Provider:  name,
		URL:       publicURL,
		Message:   "tunnel restarted",
		AttemptID: attemptID,
	})

	m.setState(StateNormal)
	return true
}

// restart runs stop, delay, start and webhook re-registration.
func (m *Monitor) restart(ctx context.Context) (string, error) {
	m.provider.Stop()

	if err := m.sleep(ctx, m.cfg.RestartDelay); err != nil {
		return "", fmt.Errorf("waiting before restart: %w", err)
	}

	publicURL, err := m.provider.Start(ctx)
	if err != nil {
		return "", err
	}

	if m.register != nil {
		if err := m.register(ctx, publicURL); err != nil {
			return "", fmt.Errorf("re-registering webhook: %w", err)
		}
	}
	return publicURL, nil
}

func (m *Monitor) escalate(attemptID, reason string) {
	name := m.provider.Name()
	m.setState(StateEscalated)
	m.metrics.observeRecovery(name, outcomeEscalated)

	slog.Error("tunnel recovery exhausted", "provider", name, "attempt_id", attemptID, "reason", reason)
	m.events.Notify(notify.Event{
		Type:      notify.TunnelEscalated,
		Provider:  name,
		Message:   reason,
		AttemptID: attemptID,
	})
}

// Run checks the tunnel every interval, starting one interval after the
// call. It returns nil when ctx is cancelled and ErrEscalated when recovery
// is exhausted. Run never stops the tunnel.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("tunnel monitor started",
		"provider", m.provider.Name(),
		"interval", m.cfg.Interval,
		"monitored", m.Monitored())

	for {
		if err := m.sleep(ctx, m.cfg.Interval); err != nil {
			slog.Info("tunnel monitor stopped", "provider", m.provider.Name())
			return nil
		}

		if m.CheckHealth(ctx) {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if !m.RecoverFromFailure(ctx) {
			return ErrEscalated
		}
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current recovery state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConsecutiveFailures returns the failure counter.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Snapshot is a serialisable view of the monitor.
type Snapshot struct {
	Provider            string     `json:"provider"`
	Monitored           bool       `json:"monitored"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RestartsLastHour    int        `json:"restarts_last_hour"`
	MaxRestartsPerHour  int        `json:"max_restarts_per_hour"`
	RestartCooldown     string     `json:"restart_cooldown"`
	Interval            string     `json:"interval"`
	LastRestart         *time.Time `json:"last_restart,omitempty"`
	LastCheck           *time.Time `json:"last_check,omitempty"`
	LastCheckHealthy    bool       `json:"last_check_healthy"`
	LastCheckMessage    string     `json:"last_check_message,omitempty"`
	LastAttemptID       string     `json:"last_attempt_id,omitempty"`
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		Provider:            m.provider.Name(),
		State:               m.state,
		ConsecutiveFailures: m.failures,
		MaxRestartsPerHour:  m.cfg.MaxRestartsPerHour,
		RestartCooldown:     m.cfg.RestartCooldown.String(),
		Interval:            m.cfg.Interval.String(),
		LastCheckHealthy:    m.lastCheckHealthy,
		LastCheckMessage:    m.lastCheckMessage,
		LastAttemptID:       m.lastAttemptID,
	}
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		s.LastCheck = &t
	}
	m.mu.Unlock()

	s.Monitored = m.Monitored()
	s.RestartsLastHour = m.limiter.RestartsLastHour()
	if t := m.limiter.LastRestart(); !t.IsZero() {
		s.LastRestart = &t
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
