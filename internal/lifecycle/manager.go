// Package lifecycle owns the active tunnel: it starts it, registers the
// webhook, keeps both alive and tears them down on shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/btouchard/hookrelay/internal/monitor"
	"github.com/btouchard/hookrelay/internal/notify"
	"github.com/btouchard/hookrelay/internal/tunnel"
	"github.com/btouchard/hookrelay/internal/webhook"
)

const recheckTimeout = 2 * time.Minute

// Cleaner removes event log entries older than a cutoff.
type Cleaner interface {
	Cleanup(cutoff time.Time) (int64, error)
}

// Config controls the manager.
type Config struct {
	// WebhookPath is appended to the tunnel URL when registering.
	WebhookPath string
	Secret      string
	RetryPolicy webhook.RetryPolicy

	MonitorEnabled bool
	Monitor        monitor.Config
	// RecheckSchedule drives the periodic URL re-check for providers
	// without a stable URL. Empty disables it.
	RecheckSchedule string

	DeleteOnShutdown bool
}

// Manager is the single owner of a tunnel provider.
type Manager struct {
	provider tunnel.Provider
	client   webhook.Client
	cfg      Config
	events   notify.Notifier
	metrics  *monitor.Metrics
	mon      *monitor.Monitor

	cleaner         Cleaner
	retention       time.Duration
	cleanupSchedule string

	cron *cron.Cron

	mu            sync.Mutex
	registeredURL string
	started       bool
}

// Option customises a Manager.
type Option func(*Manager)

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.events = n }
}

func WithMetrics(metrics *monitor.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithCleanup prunes the event log on schedule, keeping retention worth of
// events. A zero retention keeps everything.
func WithCleanup(c Cleaner, retention time.Duration, schedule string) Option {
	return func(m *Manager) {
		m.cleaner = c
		m.retention = retention
		m.cleanupSchedule = schedule
	}
}

// New creates a manager for p. p may be nil when tunnelling is disabled;
// client may be nil when no webhook is registered.
func New(p tunnel.Provider, client webhook.Client, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		provider: p,
		client:   client,
		cfg:      cfg,
		events:   notify.Nop,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cron = cron.New(
		cron.WithLogger(cronLogger{slog.Default()}),
		cron.WithChain(cron.Recover(cronLogger{slog.Default()}), cron.SkipIfStillRunning(cronLogger{slog.Default()})),
	)

	if p != nil {
		m.mon = monitor.New(p, m.Register, cfg.Monitor,
			monitor.WithNotifier(m.events),
			monitor.WithMetrics(m.metrics))
	}
	return m
}

// Provider returns the managed provider, or nil when tunnelling is disabled.
func (m *Manager) Provider() tunnel.Provider { return m.provider }

// Monitor returns the tunnel monitor, or nil when tunnelling is disabled.
func (m *Manager) Monitor() *monitor.Monitor { return m.mon }

// RegisteredURL returns the webhook URL last registered successfully.
func (m *Manager) RegisteredURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registeredURL
}

// Start brings the tunnel up, registers the webhook and schedules
// background jobs. A failed registration is logged, not returned: the
// re-check and monitor retry it later.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("lifecycle manager already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.schedule(); err != nil {
		return err
	}
	m.cron.Start()

	if m.provider == nil {
		slog.Info("tunnel disabled, serving locally only")
		return nil
	}

	publicURL, err := m.provider.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting %s tunnel: %w", m.provider.Name(), err)
	}

	m.events.Notify(notify.Event{
		Type:     notify.TunnelStarted,
		Provider: m.provider.Name(),
		URL:      publicURL,
		Message:  "tunnel started",
	})

	if err := m.Register(ctx, publicURL); err != nil {
		slog.Warn("initial webhook registration failed", "error", err)
	}
	return nil
}

func (m *Manager) schedule() error {
	if m.provider != nil && !m.provider.ProvidesStableURL() && m.cfg.RecheckSchedule != "" {
		if _, err := m.cron.AddFunc(m.cfg.RecheckSchedule, m.recheck); err != nil {
			return fmt.Errorf("scheduling tunnel re-check: %w", err)
		}
		slog.Info("tunnel re-check scheduled", "schedule", m.cfg.RecheckSchedule)
	}

	if m.cleaner != nil && m.retention > 0 && m.cleanupSchedule != "" {
		if _, err := m.cron.AddFunc(m.cleanupSchedule, m.cleanup); err != nil {
			return fmt.Errorf("scheduling event cleanup: %w", err)
		}
	}
	return nil
}

// Run blocks until ctx is cancelled. Providers with a stable URL are
// watched by the monitor; Run returns monitor.ErrEscalated when it gives up.
func (m *Manager) Run(ctx context.Context) error {
	if m.mon == nil || !m.cfg.MonitorEnabled || !m.provider.ProvidesStableURL() {
		<-ctx.Done()
		return nil
	}
	return m.mon.Run(ctx)
}

// Register points the webhook at publicURL plus the configured path.
func (m *Manager) Register(ctx context.Context, publicURL string) error {
	if m.client == nil {
		return nil
	}

	target := WebhookURL(publicURL, m.cfg.WebhookPath)
	name := m.provider.Name()

	err := webhook.Register(ctx, m.client, target, m.cfg.Secret, m.provider.ProvidesStableURL(), m.cfg.RetryPolicy)
	if err != nil {
		m.events.Notify(notify.Event{
			Type:     notify.WebhookFailed,
			Provider: name,
			URL:      target,
			Message:  err.Error(),
		})
		return err
	}

	m.mu.Lock()
	m.registeredURL = target
	m.mu.Unlock()

	m.events.Notify(notify.Event{
		Type:     notify.WebhookRegistered,
		Provider: name,
		URL:      target,
		Message:  "webhook registered",
	})
	return nil
}

// recheck restarts an unhealthy tunnel and re-registers the webhook when
// the platform points elsewhere.
func (m *Manager) recheck() {
	ctx, cancel := context.WithTimeout(context.Background(), recheckTimeout)
	defer cancel()
	m.Recheck(ctx)
}

// Recheck runs one re-check cycle.
func (m *Manager) Recheck(ctx context.Context) {
	if m.provider == nil {
		return
	}
	name := m.provider.Name()

	healthy, msg := m.provider.HealthCheck(ctx)
	if !healthy {
		slog.Warn("tunnel unhealthy on re-check, restarting", "provider", name, "message", msg)
		m.events.Notify(notify.Event{Type: notify.TunnelUnhealthy, Provider: name, Message: msg})

		m.provider.Stop()
		publicURL, err := m.provider.Start(ctx)
		if err != nil {
			slog.Error("tunnel restart failed", "provider", name, "error", err)
			return
		}
		m.events.Notify(notify.Event{
			Type:     notify.TunnelRecovered,
			Provider: name,
			URL:      publicURL,
			Message:  "tunnel restarted by re-check",
		})
		if err := m.Register(ctx, publicURL); err != nil {
			slog.Error("webhook re-registration failed", "error", err)
		}
		return
	}

	publicURL := m.provider.URL()
	if m.client == nil || publicURL == "" {
		return
	}
	want := WebhookURL(publicURL, m.cfg.WebhookPath)

	info, err := m.client.GetWebhookInfo(ctx)
	if err != nil {
		slog.Warn("failed to read webhook info", "error", err)
		return
	}
	if info.URL == want {
		slog.Debug("webhook up to date", "url", want)
		return
	}

	slog.Info("webhook URL drifted, re-registering", "registered", info.URL, "tunnel", want)
	if err := m.Register(ctx, publicURL); err != nil {
		slog.Error("webhook re-registration failed", "error", err)
	}
}

func (m *Manager) cleanup() {
	cutoff := time.Now().Add(-m.retention)
	n, err := m.cleaner.Cleanup(cutoff)
	if err != nil {
		slog.Error("event log cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("event log cleaned", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// Shutdown stops background jobs, optionally deletes the webhook and stops
// the tunnel.
func (m *Manager) Shutdown(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("shutdown: background jobs still running")
	}

	if m.provider == nil {
		return
	}

	if m.cfg.DeleteOnShutdown && m.client != nil && m.RegisteredURL() != "" {
		if err := m.client.DeleteWebhook(ctx); err != nil {
			slog.Warn("failed to delete webhook on shutdown", "error", err)
		}
	}

	m.provider.Stop()
	m.events.Notify(notify.Event{
		Type:     notify.TunnelStopped,
		Provider: m.provider.Name(),
		Message:  "tunnel stopped",
	})
}

// WebhookURL joins a tunnel URL and the webhook path.
func WebhookURL(publicURL, path string) string {
	if publicURL == "" {
		return ""
	}
	publicURL = strings.TrimRight(publicURL, "/")
	if path == "" || path == "/" {
		return publicURL
	}
	return publicURL + "/" + strings.TrimLeft(path, "/")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
