package tunnel

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Kind names a tunnel backend.
type Kind string

const (
	KindNone       Kind = ""
	KindNgrok      Kind = "ngrok"
	KindCloudflare Kind = "cloudflare"
	KindTailscale  Kind = "tailscale"
)

func (k Kind) String() string { return string(k) }

// Environment variables consulted by the factory.
const (
	EnvProvider   = "TUNNEL_PROVIDER"
	EnvPort       = "PORT"
	EnvLegacyPort = "WEBHOOK_PORT"
)

// DefaultPort is the local port exposed when nothing else is configured.
const DefaultPort = 8000

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Options carries everything a backend constructor may need.
type Options struct {
	Port       int
	Ngrok      NgrokConfig
	Cloudflare CloudflareConfig
	Tailscale  TailscaleConfig
}

type constructor func(Options) Provider

var registry = map[Kind]constructor{
	KindNgrok:      func(o Options) Provider { return NewNgrok(o.Ngrok, o.Port) },
	KindCloudflare: func(o Options) Provider { return NewCloudflare(o.Cloudflare, o.Port) },
	KindTailscale:  func(o Options) Provider { return NewTailscale(o.Tailscale, o.Port) },
}

var aliases = map[string]Kind{
	"ngrok":       KindNgrok,
	"cloudflare":  KindCloudflare,
	"cloudflared": KindCloudflare,
	"tailscale":   KindTailscale,
	"funnel":      KindTailscale,
}

// ResolveKind picks the backend: explicit > TUNNEL_PROVIDER > configured >
// environment default (test → none, production → cloudflare, else ngrok).
// "none" and "skip" disable tunnelling. Unknown names disable tunnelling
// with a warning.
func ResolveKind(explicit, configured, environment string, lookup LookupFunc) Kind {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	name := strings.TrimSpace(explicit)
	source := "argument"
	if name == "" {
		if v, ok := lookup(EnvProvider); ok && strings.TrimSpace(v) != "" {
			name, source = strings.TrimSpace(v), "environment"
		}
	}
	if name == "" && strings.TrimSpace(configured) != "" {
		name, source = strings.TrimSpace(configured), "config"
	}
	if name == "" {
		return defaultKind(environment)
	}

	name = strings.ToLower(name)
	if name == "none" || name == "skip" {
		slog.Info("tunnel disabled", "source", source)
		return KindNone
	}

	kind, ok := aliases[name]
	if !ok {
		slog.Warn("unknown tunnel provider, tunnelling disabled", "provider", name, "source", source)
		return KindNone
	}
	return kind
}

func defaultKind(environment string) Kind {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "test":
		return KindNone
	case "production":
		return KindCloudflare
	default:
		return KindNgrok
	}
}

// ResolvePort picks the local port: explicit > PORT > WEBHOOK_PORT >
// configured > DefaultPort. Unparseable values are skipped with a warning.
func ResolvePort(explicit, configured int, lookup LookupFunc) int {
	if explicit > 0 {
		return explicit
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	for _, key := range []string{EnvPort, EnvLegacyPort} {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port < 1 || port > 65535 {
			slog.Warn("ignoring invalid port variable", "variable", key, "value", v)
			continue
		}
		return port
	}

	if configured > 0 {
		return configured
	}
	return DefaultPort
}

// New constructs the provider for kind. It returns nil when kind is
// KindNone or not registered.
func New(kind Kind, opts Options) Provider {
	ctor, ok := registry[kind]
	if !ok {
		if kind != KindNone {
			slog.Warn("no tunnel provider registered", "provider", kind.String())
		}
		return nil
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	p := ctor(opts)
	slog.Info("tunnel provider selected",
		"provider", p.Name(),
		"port", opts.Port,
		"stable_url", p.ProvidesStableURL())
	return p
}
