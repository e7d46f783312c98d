package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/btouchard/hookrelay/internal/auth"
	"github.com/btouchard/hookrelay/internal/config"
	"github.com/btouchard/hookrelay/internal/lifecycle"
	hookmcp "github.com/btouchard/hookrelay/internal/mcp"
	"github.com/btouchard/hookrelay/internal/monitor"
	"github.com/btouchard/hookrelay/internal/notify"
	"github.com/btouchard/hookrelay/internal/server"
	"github.com/btouchard/hookrelay/internal/store"
	"github.com/btouchard/hookrelay/internal/tunnel"
	"github.com/btouchard/hookrelay/internal/webhook"
)

const (
	shutdownTimeout = 15 * time.Second
	mcpDebounce     = time.Minute
)

type serveFlags struct {
	provider string
	port     int
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and its tunnel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				slog.Error("failed to load configuration", "error", err)
				return err
			}

			closeLog := setupLogging(cfg)
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := run(ctx, cfg, flags); err != nil {
				slog.Error("server error", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.provider, "provider", "", "tunnel provider: ngrok, cloudflare, tailscale or none (overrides "+tunnel.EnvProvider+")")
	cmd.Flags().IntVar(&flags.port, "port", 0, "local port to serve and expose (overrides "+tunnel.EnvPort+")")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, flags *serveFlags) error {
	port := tunnel.ResolvePort(flags.port, cfg.Server.Port, nil)
	kind := tunnel.ResolveKind(flags.provider, cfg.Tunnel.Provider, cfg.Environment, nil)

	slog.Info("starting hookrelay",
		"version", version,
		"host", cfg.Server.Host,
		"port", port,
		"provider", kind.String())

	// --- Event log ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(reg)

	// --- Notifications ---
	hub := notify.NewHub(notify.NewStoreNotifier(db), notify.NewLogNotifier(slog.Default()))
	defer hub.Wait()

	// --- Webhook ---
	secret, err := auth.WebhookSecret(cfg.Webhook.Secret, cfg.Webhook.SecretDir)
	if err != nil {
		return fmt.Errorf("loading webhook secret: %w", err)
	}
	client, err := newWebhookClient(cfg)
	if err != nil {
		return err
	}

	// --- Tunnel ---
	provider := tunnel.New(kind, tunnelOptions(cfg, port))
	mgr := lifecycle.New(provider, client, lifecycle.Config{
		WebhookPath:      cfg.Webhook.Path,
		Secret:           secret,
		RetryPolicy:      webhook.RetryPolicy{Attempts: cfg.Webhook.RegisterAttempts, Delay: cfg.Webhook.RegisterDelay},
		MonitorEnabled:   cfg.Monitor.Enabled,
		Monitor:          monitorConfig(cfg),
		RecheckSchedule:  cfg.Monitor.RecheckSchedule,
		DeleteOnShutdown: cfg.Webhook.DeleteOnShutdown,
	},
		lifecycle.WithNotifier(hub),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithCleanup(db, time.Duration(cfg.Database.RetentionDays)*24*time.Hour, cfg.Database.CleanupSchedule),
	)

	// --- MCP Server ---
	mcpServer := hookmcp.NewServer(&hookmcp.Deps{
		Tunnel:  mgr,
		Events:  db,
		Webhook: client,
		Version: version,
	})
	hub.Add(notify.NewMCPNotifier(mcpServer, mcpDebounce))

	// --- HTTP ---
	router := server.NewRouter(server.Deps{
		Tunnel:      mgr,
		Events:      db,
		WebhookPath: cfg.Webhook.Path,
		Receiver:    webhook.NewReceiver(secret, webhook.LogUpdates),
		MCP:         mcpserver.NewStreamableHTTPServer(mcpServer),
		Metrics:     reg,
		AdminToken:  cfg.Server.AdminToken,
		Version:     version,
	})
	srv := server.NewHTTPServer(cfg.Server.Host, port, router)

	// Bind before starting the tunnel so it never forwards to a closed port.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("hookrelay is ready", "addr", srv.Addr, "webhook_path", cfg.Webhook.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := mgr.Start(gctx); err != nil {
			return err
		}
		return mgr.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		mgr.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newWebhookClient returns nil when no bot token is configured; the tunnel
// then runs without webhook registration.
func newWebhookClient(cfg *config.Config) (webhook.Client, error) {
	if cfg.Webhook.BotToken == "" {
		slog.Warn("no bot token configured, webhook registration disabled")
		return nil, nil
	}
	c, err := webhook.NewBotAPIClient(botAPIConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating webhook client: %w", err)
	}
	return c, nil
}

func botAPIConfig(cfg *config.Config) webhook.BotAPIConfig {
	return webhook.BotAPIConfig{
		BaseURL:            cfg.Webhook.APIBaseURL,
		Token:              cfg.Webhook.BotToken,
		RetryMax:           3,
		MaxConnections:     cfg.Webhook.MaxConnections,
		AllowedUpdates:     cfg.Webhook.AllowedUpdates,
		DropPendingUpdates: cfg.Webhook.DropPendingUpdates,
	}
}

func tunnelOptions(cfg *config.Config, port int) tunnel.Options {
	t := cfg.Tunnel
	return tunnel.Options{
		Port: port,
		Ngrok: tunnel.NgrokConfig{
			AuthToken:   t.Ngrok.AuthToken,
			Region:      t.Ngrok.Region,
			SessionName: t.Ngrok.SessionName,
			Domain:      t.Ngrok.Domain,
			AgentAPIURL: t.Ngrok.AgentAPIURL,
		},
		Cloudflare: tunnel.CloudflareConfig{
			Command:         t.Cloudflare.Command,
			ExtraArgs:       t.Cloudflare.ExtraArgs,
			TunnelID:        t.Cloudflare.TunnelID,
			CredentialsFile: t.Cloudflare.CredentialsFile,
			ConfigFile:      t.Cloudflare.ConfigFile,
			BaseURL:         t.Cloudflare.BaseURL,
			URLTimeout:      t.Cloudflare.URLTimeout,
			StartupWait:     t.Cloudflare.StartupWait,
			ProbePath:       t.Cloudflare.ProbePath,
		},
		Tailscale: tunnel.TailscaleConfig{
			Command:     t.Tailscale.Command,
			ExtraArgs:   t.Tailscale.ExtraArgs,
			Hostname:    t.Tailscale.Hostname,
			StartupWait: t.Tailscale.StartupWait,
		},
	}
}

func monitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Interval:           cfg.Monitor.Interval,
		RestartCooldown:    cfg.Monitor.RestartCooldown,
		MaxRestartsPerHour: cfg.Monitor.MaxRestartsPerHour,
		RestartDelay:       cfg.Monitor.RestartDelay,
		ExemptProviders:    cfg.Monitor.ExemptProviders,
	}
}
