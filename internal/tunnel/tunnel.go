package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider exposes a local port via a public HTTPS URL.
//
// A Provider instance owns at most one live tunnel session. Start and Stop
// are serialised internally, but callers should still drive an instance from
// a single owner.
type Provider interface {
	// Name is the registry name of the backend ("ngrok", "cloudflare", "tailscale").
	Name() string

	// ProvidesStableURL reports whether the public URL survives restarts.
	ProvidesStableURL() bool

	// Start brings the tunnel up and returns its https:// URL.
	// Any returned error is fatal for this attempt.
	Start(ctx context.Context) (publicURL string, err error)

	// Stop tears the tunnel down. Calling it when nothing runs is a no-op.
	Stop()

	// URL returns the last known public URL, or "" when no session is live.
	URL() string

	// HealthCheck probes the backend. It never panics on backend errors;
	// failures are reported as (false, reason).
	HealthCheck(ctx context.Context) (healthy bool, message string)

	// Status returns a serialisable snapshot for operational inspection.
	Status() Status
}

// ErrStartup is matched by every error returned from Provider.Start.
var ErrStartup = errors.New("tunnel startup failed")

// StartupError describes why a provider could not bring its tunnel up.
type StartupError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStartup) true for any StartupError.
func (e *StartupError) Is(target error) bool { return target == ErrStartup }

func startupErr(provider, reason string, err error) error {
	return &StartupError{Provider: provider, Reason: reason, Err: err}
}

// Status is a point-in-time view of a provider.
//
// It marshals to a flat JSON object with the keys provider, active, url,
// provides_stable_url, the legacy aliases running and public_url, and any
// provider-specific extras.
type Status struct {
	Provider          string
	Active            bool
	URL               string
	ProvidesStableURL bool
	Extra             map[string]any
}

// MarshalJSON flattens Extra into the top-level object. Core keys win over
// extras with the same name.
func (s Status) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+6)
	for k, v := range s.Extra {
		out[k] = v
	}

	var url any
	if s.URL != "" {
		url = s.URL
	}

	out["provider"] = s.Provider
	out["active"] = s.Active
	out["url"] = url
	out["provides_stable_url"] = s.ProvidesStableURL
	out["running"] = s.Active
	out["public_url"] = url

	return json.Marshal(out)
}

func sessionExtras(startedAt time.Time, active bool) map[string]any {
	extra := map[string]any{}
	if active && !startedAt.IsZero() {
		extra["started_at"] = startedAt.UTC().Format(time.RFC3339)
		extra["uptime"] = humanUptime(startedAt)
	}
	return extra
}
