package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/hookrelay/internal/notify"
	"github.com/btouchard/hookrelay/internal/tunnel"
)

type fakeProvider struct {
	name   string
	stable bool

	mu       sync.Mutex
	healthy  bool
	panics   bool
	startErr error
	url      string
	checks   int
	starts   int
	stops    int
}

func newFakeProvider(name string, stable bool) *fakeProvider {
	return &fakeProvider{name: name, stable: stable, healthy: true, url: "https://tunnel.example.com"}
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) ProvidesStableURL() bool { return f.stable }

func (f *fakeProvider) Start(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return "", f.startErr
	}
	f.healthy = true
	return f.url, nil
}

func (f *fakeProvider) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeProvider) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeProvider) HealthCheck(context.Context) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.panics {
		panic("backend exploded")
	}
	if f.healthy {
		return true, "ok"
	}
	return false, "process exited"
}

func (f *fakeProvider) Status() tunnel.Status {
	return tunnel.Status{Provider: f.name, ProvidesStableURL: f.stable}
}

func (f *fakeProvider) set(fn func(*fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeProvider) counts() (checks, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.starts, f.stops
}

// fakeClock advances on every sleep instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(e notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type registrations struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (r *registrations) register(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	return r.err
}

func newTestMonitor(p tunnel.Provider, reg Registrar, clock *fakeClock, opts ...Option) *Monitor {
	cfg := DefaultConfig()
	opts = append([]Option{WithClock(clock.Now, clock.Sleep)}, opts...)
	return New(p, reg, cfg, opts...)
}

func TestMonitor_CheckHealth_ExemptProviderNeverProbed(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("ngrok", true)
	p.set(func(f *fakeProvider) { f.healthy = false })
	m := newTestMonitor(p, nil, newFakeClock())

	assert.False(t, m.Monitored())
	assert.True(t, m.CheckHealth(context.Background()))

	checks, _, _ := p.counts()
	assert.Zero(t, checks)
}

func TestMonitor_CheckHealth_UnstableProviderNeverProbed(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("quick", false)
	p.set(func(f *fakeProvider) { f.healthy = false })
	m := newTestMonitor(p, nil, newFakeClock())

	assert.True(t, m.CheckHealth(context.Background()))
	checks, _, _ := p.counts()
	assert.Zero(t, checks)
}

func TestMonitor_CheckHealth_UnhealthyDegradesAndNotifies(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	p.set(func(f *fakeProvider) { f.healthy = false })
	events := &eventLog{}
	m := newTestMonitor(p, nil, newFakeClock(), WithNotifier(events))

	assert.False(t, m.CheckHealth(context.Background()))
	assert.Equal(t, StateDegraded, m.State())
	assert.Equal(t, []string{notify.TunnelUnhealthy}, events.types())

	snap := m.Snapshot()
	assert.False(t, snap.LastCheckHealthy)
	assert.Equal(t, "process exited", snap.LastCheckMessage)
}

func TestMonitor_CheckHealth_PanicCountsAsUnhealthy(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("tailscale", true)
	p.set(func(f *fakeProvider) { f.panics = true })
	m := newTestMonitor(p, nil, newFakeClock())

	assert.NotPanics(t, func() {
		assert.False(t, m.CheckHealth(context.Background()))
	})
	assert.Contains(t, m.Snapshot().LastCheckMessage, "backend exploded")
}

func TestMonitor_CheckHealth_HealthyResetsFailures(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	p.set(func(f *fakeProvider) { f.startErr = errors.New("boom") })
	m := newTestMonitor(p, nil, newFakeClock())

	require.True(t, m.RecoverFromFailure(context.Background()))
	require.Equal(t, 1, m.ConsecutiveFailures())

	assert.True(t, m.CheckHealth(context.Background()))
	assert.Zero(t, m.ConsecutiveFailures())
	assert.Equal(t, StateNormal, m.State())
}

func TestMonitor_RecoverFromFailure_EndToEnd(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	p.set(func(f *fakeProvider) {
		f.healthy = false
		f.url = "https://fresh.trycloudflare.com"
	})
	reg := &registrations{}
	events := &eventLog{}
	clock := newFakeClock()
	m := newTestMonitor(p, reg.register, clock, WithNotifier(events))
	ctx := context.Background()

	require.False(t, m.CheckHealth(ctx))
	require.True(t, m.RecoverFromFailure(ctx))

	_, starts, stops := p.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, starts)
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.sleeps, "restart waits between stop and start")
	assert.Equal(t, []string{"https://fresh.trycloudflare.com"}, reg.urls)
	assert.Zero(t, m.ConsecutiveFailures())
	assert.Equal(t, StateNormal, m.State())

	assert.True(t, m.CheckHealth(ctx))
	assert.Equal(t, []string{notify.TunnelUnhealthy, notify.TunnelRecovered}, events.types())

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.RestartsLastHour)
	require.NotNil(t, snap.LastRestart)
	assert.NotEmpty(t, snap.LastAttemptID)
}

func TestMonitor_RecoverFromFailure_EscalatesAfterThreeRejectedFailures(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	events := &eventLog{}
	clock := newFakeClock()
	m := newTestMonitor(p, nil, clock, WithNotifier(events))
	ctx := context.Background()

	// A successful restart starts the cooldown.
	require.True(t, m.RecoverFromFailure(ctx))
	require.Zero(t, m.ConsecutiveFailures())

	p.set(func(f *fakeProvider) { f.healthy = false })

	for i := 1; i <= 2; i++ {
		clock.Advance(10 * time.Second)
		require.False(t, m.CheckHealth(ctx))
		assert.True(t, m.RecoverFromFailure(ctx), "failure %d waits for the next cycle", i)
		assert.Equal(t, StateDegraded, m.State())
	}

	clock.Advance(10 * time.Second)
	require.False(t, m.CheckHealth(ctx))
	assert.False(t, m.RecoverFromFailure(ctx))
	assert.Equal(t, StateEscalated, m.State())
	assert.Equal(t, 3, m.ConsecutiveFailures())

	_, starts, _ := p.counts()
	assert.Equal(t, 1, starts, "rejected recoveries never restart")
	assert.Contains(t, events.types(), notify.TunnelRecoveryRejected)
	assert.Contains(t, events.types(), notify.TunnelEscalated)
}

func TestMonitor_RecoverFromFailure_RateLimitRejectsFourthRestart(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("tailscale", true)
	clock := newFakeClock()
	m := newTestMonitor(p, nil, clock)
	ctx := context.Background()

	for range 3 {
		require.True(t, m.RecoverFromFailure(ctx))
		clock.Advance(300 * time.Second)
	}
	_, starts, _ := p.counts()
	require.Equal(t, 3, starts)

	assert.True(t, m.RecoverFromFailure(ctx), "first rejection does not escalate")
	_, starts, _ = p.counts()
	assert.Equal(t, 3, starts)
	assert.Equal(t, 1, m.ConsecutiveFailures())
}

func TestMonitor_RecoverFromFailure_RestartFailureEscalatesOnSecond(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	p.set(func(f *fakeProvider) { f.startErr = tunnel.ErrStartup })
	m := newTestMonitor(p, nil, newFakeClock())
	ctx := context.Background()

	assert.True(t, m.RecoverFromFailure(ctx))
	assert.Equal(t, StateDegraded, m.State())

	assert.False(t, m.RecoverFromFailure(ctx))
	assert.Equal(t, StateEscalated, m.State())

	assert.Zero(t, m.Snapshot().RestartsLastHour, "failed restarts are not counted")
}

func TestMonitor_RecoverFromFailure_RegistrationFailureIsRestartFailure(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	reg := &registrations{err: errors.New("Bad Request: bad webhook")}
	m := newTestMonitor(p, reg.register, newFakeClock())

	assert.True(t, m.RecoverFromFailure(context.Background()))
	assert.Equal(t, 1, m.ConsecutiveFailures())
	assert.Len(t, reg.urls, 1)
}

func TestMonitor_Run_WaitsOneIntervalBeforeFirstCheck(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	ctx, cancel := context.WithCancel(context.Background())

	var sleeps int
	m := New(p, nil, DefaultConfig(), WithClock(nil, func(ctx context.Context, d time.Duration) error {
		sleeps++
		checks, _, _ := p.counts()
		if sleeps == 1 {
			assert.Zero(t, checks, "no check before the first interval")
			assert.Equal(t, 2*time.Minute, d)
		}
		if sleeps == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}))

	require.NoError(t, m.Run(ctx))

	checks, _, stops := p.counts()
	assert.Equal(t, 2, checks)
	assert.Zero(t, stops, "cancellation never stops the tunnel")
}

func TestMonitor_Run_ReturnsErrEscalated(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	p.set(func(f *fakeProvider) {
		f.healthy = false
		f.startErr = errors.New("cloudflared missing")
	})
	clock := newFakeClock()
	m := newTestMonitor(p, nil, clock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Run(ctx)
	assert.ErrorIs(t, err, ErrEscalated)
	assert.Equal(t, StateEscalated, m.State())
}

func TestMonitor_Run_CancelledDuringGracePeriod(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("cloudflare", true)
	m := New(p, nil, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	checks, _, _ := p.counts()
	assert.Zero(t, checks)
}

func TestNew_ZeroConfig_KeepsRateLimiting(t *testing.T) {
	t.Parallel()

	m := New(newFakeProvider("cloudflare", true), nil, Config{})

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.MaxRestartsPerHour)
	assert.Equal(t, "5m0s", snap.RestartCooldown)
	assert.Equal(t, "2m0s", snap.Interval)
}

func TestMonitor_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	p := newFakeProvider("cloudflare", true)
	p.set(func(f *fakeProvider) { f.healthy = false })
	m := newTestMonitor(p, nil, newFakeClock(), WithMetrics(metrics))
	ctx := context.Background()

	m.CheckHealth(ctx)
	m.RecoverFromFailure(ctx)
	m.CheckHealth(ctx)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.healthChecks.WithLabelValues("cloudflare", "unhealthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.healthChecks.WithLabelValues("cloudflare", "healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.recoveries.WithLabelValues("cloudflare", "recovered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.restartsLastHour.WithLabelValues("cloudflare")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.consecutiveFailures.WithLabelValues("cloudflare")))
}

func TestMonitor_Metrics_SkippedForExemptProvider(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := newTestMonitor(newFakeProvider("ngrok", false), nil, newFakeClock(), WithMetrics(metrics))

	m.CheckHealth(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.healthChecks.WithLabelValues("ngrok", "skipped")))
}

func TestMonitor_Snapshot_JSON(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(newFakeProvider("tailscale", true), nil, newFakeClock())

	data, err := json.Marshal(m.Snapshot())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "tailscale", got["provider"])
	assert.Equal(t, "normal", got["state"])
	assert.Equal(t, true, got["monitored"])
	assert.Equal(t, "5m0s", got["restart_cooldown"])
	assert.Equal(t, float64(3), got["max_restarts_per_hour"])
	assert.NotContains(t, got, "last_restart")
}
