package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// agentAPI queries the local control API of a standalone ngrok agent.
type agentAPI struct {
	baseURL string
	client  *http.Client
}

type agentTunnelList struct {
	Tunnels []agentTunnel `json:"tunnels"`
}

type agentTunnel struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
	Proto     string `json:"proto"`
	Config    struct {
		Addr string `json:"addr"`
	} `json:"config"`
}

func newAgentAPI(baseURL string) *agentAPI {
	return &agentAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// findTunnel returns the public URL of a tunnel forwarding to port, or "".
func (a *agentAPI) findTunnel(ctx context.Context, port int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tunnels", nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying agent API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("agent API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list agentTunnelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", fmt.Errorf("decoding agent API response: %w", err)
	}

	for _, t := range list.Tunnels {
		if forwardsToPort(t.Config.Addr, port) {
			return t.PublicURL, nil
		}
	}
	return "", nil
}

// forwardsToPort matches agent addr values such as "http://localhost:8000",
// "localhost:8000" or a bare "8000".
func forwardsToPort(addr string, port int) bool {
	if addr == "" {
		return false
	}
	want := strconv.Itoa(port)
	if addr == want {
		return true
	}
	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return false
	}
	return u.Port() == want
}
