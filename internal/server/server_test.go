package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/hookrelay/internal/monitor"
	"github.com/btouchard/hookrelay/internal/notify"
	"github.com/btouchard/hookrelay/internal/store"
	"github.com/btouchard/hookrelay/internal/tunnel"
	"github.com/btouchard/hookrelay/internal/webhook"
)

type fakeProvider struct {
	url string
}

func (f *fakeProvider) Name() string            { return "cloudflare" }
func (f *fakeProvider) ProvidesStableURL() bool { return true }
func (f *fakeProvider) Stop()                   {}
func (f *fakeProvider) URL() string             { return f.url }

func (f *fakeProvider) Start(context.Context) (string, error) { return f.url, nil }

func (f *fakeProvider) HealthCheck(context.Context) (bool, string) { return true, "ok" }

func (f *fakeProvider) Status() tunnel.Status {
	return tunnel.Status{
		Provider:          "cloudflare",
		Active:            f.url != "",
		URL:               f.url,
		ProvidesStableURL: true,
		Extra:             map[string]any{"mode": "named"},
	}
}

type fakeTunnel struct {
	provider tunnel.Provider
	mon      *monitor.Monitor
}

func (f *fakeTunnel) Provider() tunnel.Provider { return f.provider }
func (f *fakeTunnel) Monitor() *monitor.Monitor { return f.mon }
func (f *fakeTunnel) RegisteredURL() string     { return "" }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health_IsPublic(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{url: "https://bot.example.com"}
	h := NewRouter(Deps{Tunnel: &fakeTunnel{provider: p}, AdminToken: "admin", Version: "1.2.3"})

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "cloudflare", body["tunnel"])
	assert.Equal(t, true, body["tunnel_active"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouter_AdminEndpoints_RequireToken(t *testing.T) {
	t.Parallel()
	h := NewRouter(Deps{
		Tunnel:     &fakeTunnel{},
		Events:     newTestStore(t),
		Metrics:    prometheus.NewRegistry(),
		AdminToken: "admin",
	})

	for _, path := range []string{"/tunnel/status", "/tunnel/events", "/monitor", "/metrics"} {
		assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, path, "").Code, path)
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, path, "admin").Code, path)
	}
}

func TestRouter_TunnelStatus_WhenDisabled(t *testing.T) {
	t.Parallel()
	h := NewRouter(Deps{Tunnel: &fakeTunnel{}})

	rec := do(t, h, http.MethodGet, "/tunnel/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "none", body["provider"])
	assert.Equal(t, false, body["active"])
	assert.Nil(t, body["url"])
}

func TestRouter_TunnelStatus_FlattensExtras(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{url: "https://bot.example.com"}
	h := NewRouter(Deps{Tunnel: &fakeTunnel{provider: p}})

	rec := do(t, h, http.MethodGet, "/tunnel/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://bot.example.com", body["url"])
	assert.Equal(t, "https://bot.example.com", body["public_url"])
	assert.Equal(t, "named", body["mode"])
}

func TestRouter_TunnelEvents_FiltersAndOrders(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	require.NoError(t, s.AddEvent(&store.EventRecord{Type: notify.TunnelStarted, Provider: "cloudflare"}))
	require.NoError(t, s.AddEvent(&store.EventRecord{Type: notify.TunnelUnhealthy, Provider: "cloudflare", Message: "exited"}))
	require.NoError(t, s.AddEvent(&store.EventRecord{Type: notify.TunnelStarted, Provider: "tailscale"}))

	h := NewRouter(Deps{Events: s})

	rec := do(t, h, http.MethodGet, "/tunnel/events?provider=cloudflare", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, notify.TunnelUnhealthy, events[0].Type)
	assert.Equal(t, "exited", events[0].Message)

	rec = do(t, h, http.MethodGet, "/tunnel/events?limit=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 1)
}

func TestRouter_TunnelEvents_BadQuery(t *testing.T) {
	t.Parallel()
	h := NewRouter(Deps{Events: newTestStore(t)})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/tunnel/events?limit=zero", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/tunnel/events?since=yesterday", "").Code)
}

func TestRouter_Monitor_ReturnsSnapshot(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{url: "https://bot.example.com"}
	mon := monitor.New(p, nil, monitor.DefaultConfig())
	h := NewRouter(Deps{Tunnel: &fakeTunnel{provider: p, mon: mon}})

	rec := do(t, h, http.MethodGet, "/monitor", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap monitor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "cloudflare", snap.Provider)
	assert.True(t, snap.Monitored)
	assert.Equal(t, monitor.StateNormal, snap.State)
}

func TestRouter_Monitor_WhenAbsent(t *testing.T) {
	t.Parallel()
	h := NewRouter(Deps{Tunnel: &fakeTunnel{}})

	rec := do(t, h, http.MethodGet, "/monitor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"monitored":false}`, rec.Body.String())
}

func TestRouter_Metrics_ExposesMonitorSeries(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)
	p := &fakeProvider{url: "https://bot.example.com"}
	mon := monitor.New(p, nil, monitor.DefaultConfig(), monitor.WithMetrics(metrics))
	mon.CheckHealth(context.Background())

	h := NewRouter(Deps{Tunnel: &fakeTunnel{provider: p, mon: mon}, Metrics: reg})

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hookrelay_tunnel_health_checks_total")
}

func TestRouter_Webhook_UsesReceiverWithoutAdminToken(t *testing.T) {
	t.Parallel()
	var got int64
	receiver := webhook.NewReceiver("hook-secret", webhook.UpdateHandlerFunc(func(_ context.Context, u webhook.Update) error {
		got = u.UpdateID
		return nil
	}))
	h := NewRouter(Deps{WebhookPath: "/tg/hook", Receiver: receiver, AdminToken: "admin"})

	req := httptest.NewRequest(http.MethodPost, "/tg/hook", strings.NewReader(`{"update_id":77}`))
	req.Header.Set(webhook.SecretHeader, "hook-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(77), got)

	rec = do(t, h, http.MethodGet, "/tg/hook", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewHTTPServer_SetsAddr(t *testing.T) {
	t.Parallel()
	srv := NewHTTPServer("127.0.0.1", 8000, http.NotFoundHandler())
	assert.Equal(t, "127.0.0.1:8000", srv.Addr)
	assert.NotZero(t, srv.ReadHeaderTimeout)
}
