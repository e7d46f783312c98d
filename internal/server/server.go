// Package server assembles the HTTP surface: the webhook receiver, health,
// and the token-guarded admin endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btouchard/hookrelay/internal/monitor"
	"github.com/btouchard/hookrelay/internal/server/middleware"
	"github.com/btouchard/hookrelay/internal/store"
	"github.com/btouchard/hookrelay/internal/tunnel"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Tunnel is the lifecycle view the admin endpoints read from.
type Tunnel interface {
	Provider() tunnel.Provider
	Monitor() *monitor.Monitor
	RegisteredURL() string
}

// EventLister reads the event log.
type EventLister interface {
	ListEvents(f store.EventFilter) ([]store.EventRecord, error)
}

// Deps holds everything the router mounts.
type Deps struct {
	Tunnel Tunnel
	Events EventLister

	// WebhookPath is where Receiver is mounted for POST deliveries.
	WebhookPath string
	Receiver    http.Handler

	// MCP, when set, is mounted at /mcp behind admin auth.
	MCP     http.Handler
	Metrics prometheus.Gatherer

	AdminToken string
	Version    string
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", handleHealth(d))

	if d.Receiver != nil {
		path := d.WebhookPath
		if path == "" {
			path = "/webhook"
		}
		r.Method(http.MethodPost, path, d.Receiver)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(d.AdminToken))

		r.Get("/tunnel/status", handleTunnelStatus(d.Tunnel))
		r.Get("/tunnel/events", handleTunnelEvents(d.Events))
		r.Get("/monitor", handleMonitor(d.Tunnel))

		if d.Metrics != nil {
			r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
		}
		if d.MCP != nil {
			r.Handle("/mcp", d.MCP)
		}
	})

	return r
}

// NewHTTPServer wraps h in an http.Server with sane timeouts.
func NewHTTPServer(host string, port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

func handleHealth(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok", "version": d.Version}
		if d.Tunnel != nil {
			if p := d.Tunnel.Provider(); p != nil {
				body["tunnel"] = p.Name()
				body["tunnel_active"] = p.URL() != ""
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleTunnelStatus(t Tunnel) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var p tunnel.Provider
		if t != nil {
			p = t.Provider()
		}
		if p == nil {
			writeJSON(w, http.StatusOK, tunnel.Status{Provider: "none"})
			return
		}
		writeJSON(w, http.StatusOK, p.Status())
	}
}

type eventResponse struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Provider  string    `json:"provider"`
	URL       string    `json:"url,omitempty"`
	Message   string    `json:"message,omitempty"`
	AttemptID string    `json:"attempt_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func handleTunnelEvents(events EventLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if events == nil {
			writeError(w, http.StatusServiceUnavailable, "event log is not configured")
			return
		}

		q := r.URL.Query()
		filter := store.EventFilter{
			Type:     q.Get("type"),
			Provider: q.Get("provider"),
			Limit:    defaultEventLimit,
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			filter.Limit = min(n, maxEventLimit)
		}
		if v := q.Get("since"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
				return
			}
			filter.Since = ts
		}

		records, err := events.ListEvents(filter)
		if err != nil {
			slog.Error("listing events", "error", err)
			writeError(w, http.StatusInternalServerError, "listing events failed")
			return
		}

		out := make([]eventResponse, 0, len(records))
		for _, rec := range records {
			out = append(out, eventResponse{
				ID:        rec.ID,
				Type:      rec.Type,
				Provider:  rec.Provider,
				URL:       rec.URL,
				Message:   rec.Message,
				AttemptID: rec.AttemptID,
				CreatedAt: rec.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleMonitor(t Tunnel) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var m *monitor.Monitor
		if t != nil {
			m = t.Monitor()
		}
		if m == nil {
			writeJSON(w, http.StatusOK, map[string]any{"monitored": false})
			return
		}
		writeJSON(w, http.StatusOK, m.Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
