package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/btouchard/hookrelay/internal/config"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "hookrelay",
		Short: "Expose a local webhook endpoint through a public tunnel",
		Long: `hookrelay publishes a local bot webhook endpoint through ngrok, cloudflared
or Tailscale Funnel, registers the public URL with the bot platform and keeps
both alive.`,
		// Errors are reported by the commands themselves.
		SilenceUsage: true,
		Version:      version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadDotEnv(flags.envFile)
		},
	}
	cmd.SetVersionTemplate(`{{printf "hookrelay version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (default: search paths and $"+config.EnvConfigPath+")")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newCheckCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newWebhookCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadDotEnv loads variables from path without overriding ones already set.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	slog.Debug("loaded dotenv file", "path", path)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of hookrelay",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hookrelay %s\n", version)
		},
	}
}
