package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/btouchard/hookrelay/internal/auth"
	"github.com/btouchard/hookrelay/internal/webhook"
)

func newWebhookCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Inspect or change the webhook registered with the bot platform",
	}

	cmd.AddCommand(newWebhookInfoCmd(root))
	cmd.AddCommand(newWebhookDeleteCmd(root))
	cmd.AddCommand(newWebhookRotateSecretCmd(root))
	return cmd
}

func botClient(root *rootFlags) (*webhook.BotAPIClient, error) {
	cfg, err := loadConfig(root.configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	c, err := webhook.NewBotAPIClient(botAPIConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating webhook client: %w", err)
	}
	return c, nil
}

func newWebhookInfoCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show where the platform currently delivers updates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := botClient(root)
			if err != nil {
				return err
			}
			info, err := c.GetWebhookInfo(cmd.Context())
			if err != nil {
				return err
			}

			url := info.URL
			if url == "" {
				url = "(not set)"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "url:              %s\n", url)
			fmt.Fprintf(out, "pending updates:  %s\n", humanize.Comma(int64(info.PendingUpdateCount)))
			if info.MaxConnections > 0 {
				fmt.Fprintf(out, "max connections:  %d\n", info.MaxConnections)
			}
			if info.IPAddress != "" {
				fmt.Fprintf(out, "ip address:       %s\n", info.IPAddress)
			}
			if last := info.LastError(); !last.IsZero() {
				fmt.Fprintf(out, "last error:       %s (%s, %s)\n",
					info.LastErrorMessage, humanize.Time(last), last.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newWebhookDeleteCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the webhook so the platform stops delivering updates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := botClient(root)
			if err != nil {
				return err
			}
			if err := c.DeleteWebhook(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "webhook deleted")
			return nil
		},
	}
}

func newWebhookRotateSecretCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret",
		Short: "Generate a new webhook secret token",
		Long: `Replace the generated webhook secret token. Restart the running
instance afterwards so the webhook is registered with the new token.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if cfg.Webhook.Secret != "" {
				return errors.New("webhook.secret is set explicitly (WEBHOOK_SECRET); change it there instead")
			}
			if _, err := auth.RotateSecret(cfg.Webhook.SecretDir, auth.WebhookSecretFile); err != nil {
				return fmt.Errorf("rotating secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webhook secret rotated in %s; restart hookrelay to register it\n", cfg.Webhook.SecretDir)
			return nil
		},
	}
}
