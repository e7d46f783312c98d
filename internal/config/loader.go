package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names an extra config file loaded after the search paths.
const EnvConfigPath = "HOOKRELAY_CONFIG"

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/hookrelay/hookrelay.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hookrelay", "hookrelay.yaml"))
	}

	paths = append(paths, "hookrelay.yaml")

	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/hookrelay/hookrelay.yaml < ~/.config/hookrelay/hookrelay.yaml < ./hookrelay.yaml < $HOOKRELAY_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	return finish(cfg)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envOverrides lists the environment variables that take precedence over
// YAML values. Empty variables leave the file value untouched.
// TUNNEL_PROVIDER, PORT and WEBHOOK_PORT are resolved by the tunnel factory.
type envOverrides struct {
	Environment string `envconfig:"ENVIRONMENT"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	AdminToken  string `envconfig:"HOOKRELAY_ADMIN_TOKEN"`

	NgrokAuthToken   string `envconfig:"NGROK_AUTHTOKEN"`
	NgrokRegion      string `envconfig:"NGROK_REGION"`
	NgrokSessionName string `envconfig:"NGROK_SESSION_NAME"`

	CloudflareTunnelID        string `envconfig:"CLOUDFLARE_TUNNEL_ID"`
	CloudflareCredentialsFile string `envconfig:"CLOUDFLARE_CREDENTIALS_FILE"`
	CloudflareConfigFile      string `envconfig:"CLOUDFLARE_CONFIG_FILE"`
	WebhookBaseURL            string `envconfig:"WEBHOOK_BASE_URL"`

	TailscaleHostname string `envconfig:"TAILSCALE_HOSTNAME"`

	BotToken      string `envconfig:"TELEGRAM_BOT_TOKEN"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return err
	}

	override(&cfg.Environment, env.Environment)
	override(&cfg.Server.LogLevel, env.LogLevel)
	override(&cfg.Server.AdminToken, env.AdminToken)

	override(&cfg.Tunnel.Ngrok.AuthToken, env.NgrokAuthToken)
	override(&cfg.Tunnel.Ngrok.Region, env.NgrokRegion)
	override(&cfg.Tunnel.Ngrok.SessionName, env.NgrokSessionName)

	override(&cfg.Tunnel.Cloudflare.TunnelID, env.CloudflareTunnelID)
	override(&cfg.Tunnel.Cloudflare.CredentialsFile, env.CloudflareCredentialsFile)
	override(&cfg.Tunnel.Cloudflare.ConfigFile, env.CloudflareConfigFile)
	override(&cfg.Tunnel.Cloudflare.BaseURL, env.WebhookBaseURL)

	override(&cfg.Tunnel.Tailscale.Hostname, env.TailscaleHostname)

	override(&cfg.Webhook.BotToken, env.BotToken)
	override(&cfg.Webhook.Secret, env.WebhookSecret)

	return nil
}

func override(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

var logLevels = []string{"debug", "info", "warn", "error"}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "0.0.0.0" {
		return fmt.Errorf("server.host must not be 0.0.0.0: the tunnel is the only public entry point")
	}

	if !slices.Contains(logLevels, strings.ToLower(cfg.Server.LogLevel)) {
		return fmt.Errorf("server.log_level must be one of %s, got %q", strings.Join(logLevels, ", "), cfg.Server.LogLevel)
	}

	if cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if cfg.Monitor.RestartCooldown <= 0 {
		return fmt.Errorf("monitor.restart_cooldown must be positive")
	}
	if cfg.Monitor.RestartDelay < 0 {
		return fmt.Errorf("monitor.restart_delay must not be negative")
	}
	if cfg.Monitor.MaxRestartsPerHour < 1 {
		return fmt.Errorf("monitor.max_restarts_per_hour must be at least 1")
	}

	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with /, got %q", cfg.Webhook.Path)
	}
	if cfg.Webhook.RegisterAttempts < 1 {
		return fmt.Errorf("webhook.register_attempts must be at least 1")
	}

	if cfg.Database.RetentionDays < 0 {
		return fmt.Errorf("database.retention_days must not be negative")
	}

	schedules := map[string]string{
		"monitor.recheck_schedule":  cfg.Monitor.RecheckSchedule,
		"database.cleanup_schedule": cfg.Database.CleanupSchedule,
	}
	for key, spec := range schedules {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	cfg.Server.LogLevel = strings.ToLower(cfg.Server.LogLevel)
	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Webhook.SecretDir = ExpandHome(cfg.Webhook.SecretDir)
	cfg.Tunnel.Cloudflare.CredentialsFile = ExpandHome(cfg.Tunnel.Cloudflare.CredentialsFile)
	cfg.Tunnel.Cloudflare.ConfigFile = ExpandHome(cfg.Tunnel.Cloudflare.ConfigFile)

	return nil
}
