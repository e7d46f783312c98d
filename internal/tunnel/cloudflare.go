package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	modeNamed = "named"
	modeQuick = "quick"

	defaultCloudflaredCommand = "cloudflared"
	defaultURLTimeout         = 30 * time.Second
	defaultNamedStartupWait   = 2 * time.Second
)

// quickTunnelURL matches the hostname cloudflared prints for quick tunnels.
// Upstream changes to the log format break discovery until the deadline fires.
var quickTunnelURL = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// CloudflareConfig configures the cloudflared backend.
type CloudflareConfig struct {
	Command         string
	ExtraArgs       string
	TunnelID        string
	CredentialsFile string
	ConfigFile      string
	// BaseURL is the stable public URL routed to the named tunnel.
	BaseURL string
	// URLTimeout bounds quick-mode URL discovery.
	URLTimeout time.Duration
	// StartupWait is how long a named tunnel must survive before Start returns.
	StartupWait time.Duration
	// ProbePath, when set, is fetched from the public URL during HealthCheck.
	ProbePath string
}

// CloudflareProvider runs cloudflared either against a pre-configured named
// tunnel or as a quick tunnel whose URL is scraped from its output.
type CloudflareProvider struct {
	cfg   CloudflareConfig
	port  int
	mode  string
	probe *http.Client

	// startMu serialises Start and Stop; mu guards proc and url only, so
	// readers never wait on spawn, URL discovery or terminate.
	startMu sync.Mutex
	mu      sync.Mutex
	proc    *process
	url     string
}

var _ Provider = (*CloudflareProvider)(nil)

// NewCloudflare creates a cloudflared provider. The mode is fixed here:
// named when both a tunnel ID and a credentials file are configured.
func NewCloudflare(cfg CloudflareConfig, port int) *CloudflareProvider {
	if cfg.Command == "" {
		cfg.Command = defaultCloudflaredCommand
	}
	if cfg.URLTimeout <= 0 {
		cfg.URLTimeout = defaultURLTimeout
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = defaultNamedStartupWait
	}

	mode := modeQuick
	if cfg.TunnelID != "" && cfg.CredentialsFile != "" {
		mode = modeNamed
	}

	return &CloudflareProvider{
		cfg:   cfg,
		port:  port,
		mode:  mode,
		probe: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *CloudflareProvider) Name() string { return KindCloudflare.String() }

func (c *CloudflareProvider) ProvidesStableURL() bool { return true }

// Mode returns "named" or "quick".
func (c *CloudflareProvider) Mode() string { return c.mode }

func (c *CloudflareProvider) Start(ctx context.Context) (string, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.stopSession()

	if c.mode == modeNamed {
		return c.startNamed(ctx)
	}
	return c.startQuick(ctx)
}

func (c *CloudflareProvider) startNamed(ctx context.Context) (string, error) {
	baseURL := strings.TrimRight(c.cfg.BaseURL, "/")
	if baseURL == "" {
		return "", startupErr(c.Name(), "named tunnel requires a stable base URL (set tunnel.cloudflare.base_url or WEBHOOK_BASE_URL)", nil)
	}
	if !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + strings.TrimPrefix(baseURL, "http://")
	}

	args := []string{"tunnel", "--no-autoupdate"}
	if c.cfg.ConfigFile != "" {
		args = append(args, "--config", c.cfg.ConfigFile)
	}
	args = append(args, "--credentials-file", c.cfg.CredentialsFile, "run", c.cfg.TunnelID)

	slog.Info("starting cloudflared named tunnel",
		"tunnel_id", c.cfg.TunnelID,
		"base_url", baseURL)

	proc, err := c.spawn(args, nil)
	if err != nil {
		return "", err
	}

	select {
	case <-proc.Done():
		return "", startupErr(c.Name(), "cloudflared exited immediately", processOutputErr(proc))
	case <-ctx.Done():
		proc.terminate(stopTimeout)
		return "", startupErr(c.Name(), "start cancelled", ctx.Err())
	case <-time.After(c.cfg.StartupWait):
	}

	c.setSession(proc, baseURL)

	slog.Info("cloudflared named tunnel running", "public_url", baseURL, "pid", proc.PID())
	return baseURL, nil
}

func (c *CloudflareProvider) startQuick(ctx context.Context) (string, error) {
	found := make(chan string, 1)
	onLine := func(line string) {
		if match := quickTunnelURL.FindString(line); match != "" {
			select {
			case found <- match:
			default:
			}
		}
	}

	args := []string{"tunnel", "--no-autoupdate", "--url", fmt.Sprintf("http://localhost:%d", c.port)}

	slog.Info("starting cloudflared quick tunnel", "port", c.port, "timeout", c.cfg.URLTimeout)

	proc, err := c.spawn(args, onLine)
	if err != nil {
		return "", err
	}

	deadline := time.NewTimer(c.cfg.URLTimeout)
	defer deadline.Stop()

	select {
	case publicURL := <-found:
		if proc.Exited() {
			return "", startupErr(c.Name(), "cloudflared exited right after reporting "+publicURL, processOutputErr(proc))
		}
		c.setSession(proc, publicURL)
		slog.Info("cloudflared quick tunnel established", "public_url", publicURL, "pid", proc.PID())
		return publicURL, nil

	case <-proc.Done():
		// Output is fully scanned once Done closes, so a URL printed just
		// before exit is already in found.
		select {
		case publicURL := <-found:
			return "", startupErr(c.Name(), "cloudflared exited right after reporting "+publicURL, processOutputErr(proc))
		default:
		}
		return "", startupErr(c.Name(), "cloudflared exited before reporting a URL", processOutputErr(proc))

	case <-deadline.C:
		proc.terminate(stopTimeout)
		return "", startupErr(c.Name(), fmt.Sprintf("no tunnel URL within %s", c.cfg.URLTimeout), processOutputErr(proc))

	case <-ctx.Done():
		proc.terminate(stopTimeout)
		return "", startupErr(c.Name(), "start cancelled", ctx.Err())
	}
}

// spawn runs the configured command with args; extra args are placed right
// after the "tunnel" subcommand so they are parsed as tunnel flags.
func (c *CloudflareProvider) spawn(args []string, onLine func(string)) (*process, error) {
	argv, err := splitCommand(c.cfg.Command)
	if err != nil {
		return nil, startupErr(c.Name(), "invalid command", err)
	}
	extra, err := splitArgs(c.cfg.ExtraArgs)
	if err != nil {
		return nil, startupErr(c.Name(), "invalid extra args", err)
	}

	argv = append(argv, args[0])
	argv = append(argv, extra...)
	argv = append(argv, args[1:]...)

	proc, err := startProcess(c.Name(), argv, onLine)
	if err != nil {
		return nil, startupErr(c.Name(), "cloudflared unavailable", err)
	}
	return proc, nil
}

func (c *CloudflareProvider) Stop() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.stopSession()
}

func (c *CloudflareProvider) setSession(proc *process, publicURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proc = proc
	c.url = publicURL
}

// stopSession detaches the current process and terminates it outside mu.
// Callers hold startMu.
func (c *CloudflareProvider) stopSession() {
	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.url = ""
	c.mu.Unlock()

	if proc == nil {
		return
	}

	slog.Info("stopping cloudflared", "pid", proc.PID(), "mode", c.mode)
	proc.terminate(stopTimeout)
}

func (c *CloudflareProvider) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil || c.proc.Exited() {
		return ""
	}
	return c.url
}

func (c *CloudflareProvider) HealthCheck(ctx context.Context) (bool, string) {
	c.mu.Lock()
	proc, publicURL := c.proc, c.url
	c.mu.Unlock()

	if proc == nil {
		return false, "cloudflared is not running"
	}
	if proc.Exited() {
		return false, fmt.Sprintf("cloudflared exited with code %d", proc.ExitCode())
	}
	if c.cfg.ProbePath == "" {
		return true, fmt.Sprintf("cloudflared running (pid %d)", proc.PID())
	}
	return probeURL(ctx, c.probe, publicURL+c.cfg.ProbePath)
}

func (c *CloudflareProvider) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := c.proc != nil && !c.proc.Exited()

	var startedAt time.Time
	if c.proc != nil {
		startedAt = c.proc.startedAt
	}
	extra := sessionExtras(startedAt, active)
	extra["mode"] = c.mode
	if c.mode == modeNamed {
		extra["tunnel_id"] = c.cfg.TunnelID
	}
	if c.proc != nil {
		extra["pid"] = c.proc.PID()
		if c.proc.Exited() {
			extra["exit_code"] = c.proc.ExitCode()
		}
	}

	s := Status{
		Provider:          c.Name(),
		Active:            active,
		ProvidesStableURL: true,
		Extra:             extra,
	}
	if active {
		s.URL = c.url
	}
	return s
}

// probeURL reports healthy unless the request fails or returns a 5xx.
func probeURL(ctx context.Context, client *http.Client, target string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Sprintf("building probe request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("probe %s failed: %v", target, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return false, fmt.Sprintf("probe %s returned %d", target, resp.StatusCode)
	}
	return true, fmt.Sprintf("probe %s returned %d", target, resp.StatusCode)
}

func processOutputErr(p *process) error {
	out := p.Output()
	if out == "" {
		return fmt.Errorf("exit code %d", p.ExitCode())
	}
	return errors.New(out)
}
