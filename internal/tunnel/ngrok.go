package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	ngroklib "golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

// DefaultNgrokAgentAPI is the local control API of a standalone ngrok agent.
const DefaultNgrokAgentAPI = "http://127.0.0.1:4040"

// NgrokConfig configures the quick relay backend.
type NgrokConfig struct {
	AuthToken   string
	Region      string
	SessionName string
	// Domain is an optional reserved domain (paid plans).
	Domain string
	// AgentAPIURL is probed by HealthCheck when no in-process forwarder is live.
	AgentAPIURL string
}

// forwarder is the subset of ngrok.Forwarder the provider relies on.
type forwarder interface {
	URL() string
	Close() error
	Wait() error
}

type listenFunc func(ctx context.Context, backend *url.URL, cfg NgrokConfig) (forwarder, error)

// NgrokProvider implements Provider with the ngrok client library. Each start
// yields a new, unpredictable URL.
type NgrokProvider struct {
	cfg    NgrokConfig
	port   int
	listen listenFunc
	agent  *agentAPI

	startMu   sync.Mutex // serialises Start and Stop
	mu        sync.Mutex // guards the session fields below
	fwd       forwarder
	url       string
	startedAt time.Time
	done      chan struct{}
}

var _ Provider = (*NgrokProvider)(nil)

// NewNgrok creates an ngrok provider forwarding to localhost:port.
func NewNgrok(cfg NgrokConfig, port int) *NgrokProvider {
	if cfg.AgentAPIURL == "" {
		cfg.AgentAPIURL = DefaultNgrokAgentAPI
	}
	return &NgrokProvider{
		cfg:    cfg,
		port:   port,
		listen: listenNgrok,
		agent:  newAgentAPI(cfg.AgentAPIURL),
	}
}

func (n *NgrokProvider) Name() string { return KindNgrok.String() }

func (n *NgrokProvider) ProvidesStableURL() bool { return false }

// Start opens an ngrok HTTP endpoint forwarding to the local port.
func (n *NgrokProvider) Start(ctx context.Context) (string, error) {
	if n.cfg.AuthToken == "" {
		return "", startupErr(n.Name(), "ngrok auth token is required (set tunnel.ngrok.authtoken or NGROK_AUTHTOKEN)", nil)
	}

	n.startMu.Lock()
	defer n.startMu.Unlock()
	n.closeSession()

	backend := &url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", n.port)}

	slog.Info("starting ngrok tunnel",
		"backend", backend.String(),
		"region", n.cfg.Region,
		"domain", n.cfg.Domain)

	fwd, err := n.listen(ctx, backend, n.cfg)
	if err != nil {
		return "", startupErr(n.Name(), "creating ngrok tunnel", err)
	}

	publicURL := fwd.URL()
	if !strings.HasPrefix(publicURL, "http://") && !strings.HasPrefix(publicURL, "https://") {
		publicURL = "https://" + publicURL
	}
	publicURL = strings.Replace(publicURL, "http://", "https://", 1)

	done := make(chan struct{})
	go func() {
		err := fwd.Wait()
		if err != nil {
			slog.Warn("ngrok forwarder stopped", "public_url", publicURL, "error", err)
		}
		close(done)
	}()

	n.mu.Lock()
	n.fwd = fwd
	n.url = publicURL
	n.startedAt = time.Now()
	n.done = done
	n.mu.Unlock()

	slog.Info("ngrok tunnel established", "public_url", publicURL)
	return publicURL, nil
}

// Stop closes the forwarder. Safe to call repeatedly.
func (n *NgrokProvider) Stop() {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	n.closeSession()
}

// closeSession detaches the forwarder and closes it outside mu. Callers
// hold startMu.
func (n *NgrokProvider) closeSession() {
	n.mu.Lock()
	fwd, publicURL := n.fwd, n.url
	n.fwd = nil
	n.url = ""
	n.done = nil
	n.startedAt = time.Time{}
	n.mu.Unlock()

	if fwd == nil {
		return
	}

	slog.Info("closing ngrok tunnel", "public_url", publicURL)

	if err := fwd.Close(); err != nil {
		slog.Warn("failed to close ngrok tunnel", "public_url", publicURL, "error", err)
	}
}

// URL returns the current public URL, or "" once the forwarder has stopped.
func (n *NgrokProvider) URL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.activeLocked() {
		return ""
	}
	return n.url
}

func (n *NgrokProvider) activeLocked() bool {
	if n.fwd == nil || n.done == nil {
		return false
	}
	select {
	case <-n.done:
		return false
	default:
		return true
	}
}

// HealthCheck trusts the in-process forwarder first, then falls back to the
// local agent API in case the tunnel was started out-of-process.
func (n *NgrokProvider) HealthCheck(ctx context.Context) (bool, string) {
	n.mu.Lock()
	active, publicURL := n.activeLocked(), n.url
	n.mu.Unlock()

	if active {
		return true, fmt.Sprintf("ngrok tunnel active at %s", publicURL)
	}

	found, err := n.agent.findTunnel(ctx, n.port)
	if err != nil {
		return false, fmt.Sprintf("ngrok tunnel inactive and agent API unavailable: %v", err)
	}
	if found == "" {
		return false, fmt.Sprintf("no ngrok tunnel forwarding to port %d", n.port)
	}
	return true, fmt.Sprintf("ngrok agent reports tunnel %s", found)
}

func (n *NgrokProvider) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	active := n.activeLocked()
	extra := sessionExtras(n.startedAt, active)
	extra["port"] = n.port
	if n.cfg.Region != "" {
		extra["region"] = n.cfg.Region
	}

	s := Status{
		Provider:          n.Name(),
		Active:            active,
		ProvidesStableURL: false,
		Extra:             extra,
	}
	if active {
		s.URL = n.url
	}
	return s
}

func listenNgrok(ctx context.Context, backend *url.URL, cfg NgrokConfig) (forwarder, error) {
	var endpointOpts []ngrokconfig.HTTPEndpointOption
	if cfg.Domain != "" {
		endpointOpts = append(endpointOpts, ngrokconfig.WithDomain(cfg.Domain))
	}

	connectOpts := []ngroklib.ConnectOption{
		ngroklib.WithAuthtoken(cfg.AuthToken),
	}
	if cfg.Region != "" {
		connectOpts = append(connectOpts, ngroklib.WithRegion(cfg.Region))
	}
	if cfg.SessionName != "" {
		connectOpts = append(connectOpts, ngroklib.WithMetadata(cfg.SessionName))
	}

	fwd, err := ngroklib.ListenAndForward(ctx, backend, ngrokconfig.HTTPEndpoint(endpointOpts...), connectOpts...)
	if err != nil {
		return nil, err
	}
	return fwd, nil
}
