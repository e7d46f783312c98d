package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTailscaleCommand = "tailscale"
	defaultFunnelWait       = 2 * time.Second
	tailscaleCmdTimeout     = 10 * time.Second
)

// TailscaleConfig configures the Tailscale Funnel backend.
type TailscaleConfig struct {
	Command   string
	ExtraArgs string
	// Hostname overrides the node's MagicDNS name, e.g. "bot.example.ts.net".
	Hostname string
	// StartupWait is how long the funnel process must survive before the
	// hostname is resolved.
	StartupWait time.Duration
}

// tailscaleStatus is the subset of `tailscale status --json` we read.
type tailscaleStatus struct {
	BackendState string `json:"BackendState"`
	Self         struct {
		DNSName string `json:"DNSName"`
		Online  bool   `json:"Online"`
	} `json:"Self"`
}

// TailscaleProvider publishes the local port through Tailscale Funnel under
// the node's stable hostname.
type TailscaleProvider struct {
	cfg  TailscaleConfig
	port int

	startMu sync.Mutex // serialises Start and Stop
	mu      sync.Mutex // guards proc and url
	proc    *process
	url     string
}

var _ Provider = (*TailscaleProvider)(nil)

// NewTailscale creates a Tailscale Funnel provider for localhost:port.
func NewTailscale(cfg TailscaleConfig, port int) *TailscaleProvider {
	if cfg.Command == "" {
		cfg.Command = defaultTailscaleCommand
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = defaultFunnelWait
	}
	return &TailscaleProvider{cfg: cfg, port: port}
}

func (t *TailscaleProvider) Name() string { return KindTailscale.String() }

func (t *TailscaleProvider) ProvidesStableURL() bool { return true }

func (t *TailscaleProvider) Start(ctx context.Context) (string, error) {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	t.stopSession()

	argv, err := t.argv("funnel", true)
	if err != nil {
		return "", startupErr(t.Name(), "invalid command", err)
	}
	argv = append(argv, strconv.Itoa(t.port))

	slog.Info("starting tailscale funnel", "port", t.port)

	proc, err := startProcess(t.Name(), argv, nil)
	if err != nil {
		return "", startupErr(t.Name(), "tailscale unavailable", err)
	}

	select {
	case <-proc.Done():
		return "", startupErr(t.Name(), "tailscale funnel exited immediately", processOutputErr(proc))
	case <-ctx.Done():
		proc.terminate(stopTimeout)
		t.disableFunnel()
		return "", startupErr(t.Name(), "start cancelled", ctx.Err())
	case <-time.After(t.cfg.StartupWait):
	}

	publicURL, err := t.resolveURL(ctx)
	if err != nil {
		proc.terminate(stopTimeout)
		t.disableFunnel()
		return "", startupErr(t.Name(), "resolving funnel hostname", err)
	}

	t.mu.Lock()
	t.proc = proc
	t.url = publicURL
	t.mu.Unlock()

	slog.Info("tailscale funnel established", "public_url", publicURL, "pid", proc.PID())
	return publicURL, nil
}

func (t *TailscaleProvider) resolveURL(ctx context.Context) (string, error) {
	if t.cfg.Hostname != "" {
		return "https://" + strings.TrimSuffix(t.cfg.Hostname, "."), nil
	}

	st, err := t.status(ctx)
	if err != nil {
		return "", err
	}

	name := strings.TrimSuffix(st.Self.DNSName, ".")
	if name == "" {
		return "", errors.New("tailscale status reported no DNS name for this node")
	}
	return "https://" + name, nil
}

// status runs `tailscale status --json`.
func (t *TailscaleProvider) status(ctx context.Context) (*tailscaleStatus, error) {
	out, err := t.run(ctx, "status", "--json")
	if err != nil {
		return nil, err
	}

	var st tailscaleStatus
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, fmt.Errorf("parsing tailscale status: %w", err)
	}
	return &st, nil
}

// run executes a short-lived tailscale subcommand and returns its stdout.
// Extra args are never added here; they belong to the long-running funnel.
func (t *TailscaleProvider) run(ctx context.Context, args ...string) ([]byte, error) {
	argv, err := t.argv(args[0], false)
	if err != nil {
		return nil, err
	}
	argv = append(argv, args[1:]...)

	ctx, cancel := context.WithTimeout(ctx, tailscaleCmdTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // argv comes from operator configuration
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("tailscale %s: %w: %s", args[0], err, msg)
		}
		return nil, fmt.Errorf("tailscale %s: %w", args[0], err)
	}
	return out, nil
}

// argv builds the command line for a subcommand, followed by the configured
// extra args when withExtra is set.
func (t *TailscaleProvider) argv(subcommand string, withExtra bool) ([]string, error) {
	argv, err := splitCommand(t.cfg.Command)
	if err != nil {
		return nil, err
	}
	argv = append(argv, subcommand)
	if withExtra {
		extra, err := splitArgs(t.cfg.ExtraArgs)
		if err != nil {
			return nil, err
		}
		argv = append(argv, extra...)
	}
	return argv, nil
}

// Stop terminates the funnel process and always resets the funnel
// configuration, which can outlive the process.
func (t *TailscaleProvider) Stop() {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	t.stopSession()
}

// stopSession detaches the funnel process, then terminates it and resets
// the funnel without holding mu. Callers hold startMu.
func (t *TailscaleProvider) stopSession() {
	t.mu.Lock()
	proc := t.proc
	t.proc = nil
	t.url = ""
	t.mu.Unlock()

	if proc == nil {
		return
	}

	slog.Info("stopping tailscale funnel", "pid", proc.PID())
	proc.terminate(stopTimeout)
	t.disableFunnel()
}

func (t *TailscaleProvider) disableFunnel() {
	if _, err := t.run(context.Background(), "funnel", "reset"); err != nil {
		slog.Warn("failed to reset tailscale funnel", "error", err)
	}
}

func (t *TailscaleProvider) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil || t.proc.Exited() {
		return ""
	}
	return t.url
}

func (t *TailscaleProvider) HealthCheck(ctx context.Context) (bool, string) {
	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()

	if proc == nil {
		return false, "tailscale funnel is not running"
	}
	if proc.Exited() {
		return false, fmt.Sprintf("tailscale funnel exited with code %d", proc.ExitCode())
	}

	st, err := t.status(ctx)
	if err != nil {
		return false, fmt.Sprintf("tailscale status failed: %v", err)
	}
	if st.BackendState != "Running" {
		return false, fmt.Sprintf("tailscale backend state is %q", st.BackendState)
	}
	return true, fmt.Sprintf("tailscale funnel running (pid %d)", proc.PID())
}

func (t *TailscaleProvider) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := t.proc != nil && !t.proc.Exited()

	var startedAt time.Time
	if t.proc != nil {
		startedAt = t.proc.startedAt
	}
	extra := sessionExtras(startedAt, active)
	extra["port"] = t.port
	if t.cfg.Hostname != "" {
		extra["hostname"] = t.cfg.Hostname
	}
	if t.proc != nil {
		extra["pid"] = t.proc.PID()
		if t.proc.Exited() {
			extra["exit_code"] = t.proc.ExitCode()
		}
	}

	s := Status{
		Provider:          t.Name(),
		Active:            active,
		ProvidesStableURL: true,
		Extra:             extra,
	}
	if active {
		s.URL = t.url
	}
	return s
}
