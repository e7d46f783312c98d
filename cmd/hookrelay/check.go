package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/btouchard/hookrelay/internal/tunnel"
)

func newCheckCmd(root *rootFlags) *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and show the resolved tunnel settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			port := tunnel.ResolvePort(0, cfg.Server.Port, nil)
			kind := tunnel.ResolveKind(provider, cfg.Tunnel.Provider, cfg.Environment, nil)

			name := kind.String()
			switch kind {
			case tunnel.KindNone:
				name = "none"
			case tunnel.KindCloudflare:
				opts := tunnelOptions(cfg, port)
				name += " (" + tunnel.NewCloudflare(opts.Cloudflare, port).Mode() + ")"
			}

			botToken := "not set, webhook registration disabled"
			if cfg.Webhook.BotToken != "" {
				botToken = "set"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "configuration is valid")
			fmt.Fprintf(out, "  environment: %s\n", cfg.Environment)
			fmt.Fprintf(out, "  provider:    %s\n", name)
			fmt.Fprintf(out, "  listen:      %s:%d\n", cfg.Server.Host, port)
			fmt.Fprintf(out, "  webhook:     %s\n", cfg.Webhook.Path)
			fmt.Fprintf(out, "  bot token:   %s\n", botToken)
			fmt.Fprintf(out, "  database:    %s\n", cfg.Database.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "tunnel provider to resolve instead of the configured one")
	return cmd
}
