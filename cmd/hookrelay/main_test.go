package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/hookrelay/internal/config"
)

const testConfig = `
environment: production
server:
  port: 8123
tunnel:
  cloudflare:
    tunnel_id: 6ff42ae2
    credentials_file: /etc/cloudflared/creds.json
    base_url: https://bot.example.com
    url_timeout: 45s
monitor:
  interval: 30s
`

// isolateEnv clears the variables that would otherwise leak from the host
// into provider and port resolution.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"TUNNEL_PROVIDER", "PORT", "WEBHOOK_PORT", "ENVIRONMENT", "TELEGRAM_BOT_TOKEN", "HOOKRELAY_ADMIN_TOKEN", "HOOKRELAY_CONFIG"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hookrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadDotEnv_MissingFileIsIgnored(t *testing.T) {
	t.Parallel()
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
	assert.NoError(t, loadDotEnv(""))
}

func TestLoadDotEnv_KeepsExistingVariables(t *testing.T) {
	t.Setenv("HOOKRELAY_DOTENV_SHELL", "from-shell")
	t.Cleanup(func() { _ = os.Unsetenv("HOOKRELAY_DOTENV_FILE") })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HOOKRELAY_DOTENV_SHELL=from-file\nHOOKRELAY_DOTENV_FILE=from-file\n"), 0600))

	require.NoError(t, loadDotEnv(path))

	assert.Equal(t, "from-shell", os.Getenv("HOOKRELAY_DOTENV_SHELL"))
	assert.Equal(t, "from-file", os.Getenv("HOOKRELAY_DOTENV_FILE"))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestVersionCmd_PrintsVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "hookrelay "+version+"\n", out)
}

func TestCheckCmd_PrintsResolvedSettings(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, testConfig)

	out, err := execute(t, "--config", path, "check")
	require.NoError(t, err)

	assert.Contains(t, out, "configuration is valid")
	assert.Contains(t, out, "cloudflare (named)")
	assert.Contains(t, out, "127.0.0.1:8123")
	assert.Contains(t, out, "webhook registration disabled")
}

func TestCheckCmd_ProviderFlagOverridesEnvironment(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, testConfig)

	out, err := execute(t, "--config", path, "check", "--provider", "none")
	require.NoError(t, err)
	assert.Contains(t, out, "provider:    none")
}

func TestCheckCmd_InvalidConfigFails(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, "server:\n  host: 0.0.0.0\n")

	_, err := execute(t, "--config", path, "check")
	assert.ErrorContains(t, err, "0.0.0.0")
}

func TestStatusCmd_PrintsRemoteStatus(t *testing.T) {
	isolateEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tunnel/status" || r.Header.Get("Authorization") != "Bearer admin" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"provider":"tailscale","active":true,"url":"https://bot.ts.net","public_url":"https://bot.ts.net","running":true,"provides_stable_url":true,"pid":42}`))
	}))
	t.Cleanup(srv.Close)

	path := writeConfig(t, testConfig)
	out, err := execute(t, "--config", path, "status", "--url", srv.URL, "--token", "admin")
	require.NoError(t, err)

	assert.Contains(t, out, "provider:")
	assert.Contains(t, out, "tailscale")
	assert.Contains(t, out, "https://bot.ts.net")
	assert.Contains(t, out, "pid:")
	assert.NotContains(t, out, "public_url")
}

func TestStatusCmd_JSONFlagPrintsRawBody(t *testing.T) {
	isolateEnv(t)
	body := `{"provider":"none","active":false,"url":null}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	path := writeConfig(t, testConfig)
	out, err := execute(t, "--config", path, "status", "--url", srv.URL, "--json")
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestStatusCmd_Unauthorized(t *testing.T) {
	isolateEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	path := writeConfig(t, testConfig)
	_, err := execute(t, "--config", path, "status", "--url", srv.URL, "--token", "wrong")
	assert.ErrorContains(t, err, "401")
}

func TestTunnelOptions_MapsConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	cfg.Tunnel.Cloudflare.TunnelID = "6ff42ae2"
	cfg.Tunnel.Cloudflare.URLTimeout = 45 * time.Second
	cfg.Tunnel.Tailscale.Hostname = "bot.ts.net"
	cfg.Tunnel.Ngrok.Region = "eu"

	opts := tunnelOptions(cfg, 9000)

	assert.Equal(t, 9000, opts.Port)
	assert.Equal(t, "6ff42ae2", opts.Cloudflare.TunnelID)
	assert.Equal(t, 45*time.Second, opts.Cloudflare.URLTimeout)
	assert.Equal(t, "bot.ts.net", opts.Tailscale.Hostname)
	assert.Equal(t, "eu", opts.Ngrok.Region)
	assert.Equal(t, "http://127.0.0.1:4040", opts.Ngrok.AgentAPIURL)
}

func TestMonitorConfig_MapsConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()

	mc := monitorConfig(cfg)

	assert.Equal(t, cfg.Monitor.Interval, mc.Interval)
	assert.Equal(t, 3, mc.MaxRestartsPerHour)
	assert.Equal(t, []string{"ngrok"}, mc.ExemptProviders)
}

func TestNewWebhookClient_NilWithoutToken(t *testing.T) {
	t.Parallel()
	c, err := newWebhookClient(config.Defaults())
	require.NoError(t, err)
	assert.Nil(t, c)
}
