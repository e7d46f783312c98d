package config

import "time"

// Config is the root configuration for hookrelay.
type Config struct {
	// Environment selects the default tunnel provider: "test" disables
	// tunnelling, "production" uses cloudflare, anything else ngrok.
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	Tunnel      TunnelConfig   `yaml:"tunnel"`
	Monitor     MonitorConfig  `yaml:"monitor"`
	Webhook     WebhookConfig  `yaml:"webhook"`
	Database    DatabaseConfig `yaml:"database"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	// AdminToken guards the admin and MCP endpoints when set.
	AdminToken string `yaml:"admin_token"`
}

type TunnelConfig struct {
	Provider   string           `yaml:"provider"`
	Ngrok      NgrokConfig      `yaml:"ngrok"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
}

type NgrokConfig struct {
	AuthToken   string `yaml:"authtoken"`
	Region      string `yaml:"region"`
	SessionName string `yaml:"session_name"`
	Domain      string `yaml:"domain"`
	AgentAPIURL string `yaml:"agent_api_url"`
}

type CloudflareConfig struct {
	Command         string        `yaml:"command"`
	ExtraArgs       string        `yaml:"extra_args"`
	TunnelID        string        `yaml:"tunnel_id"`
	CredentialsFile string        `yaml:"credentials_file"`
	ConfigFile      string        `yaml:"config_file"`
	BaseURL         string        `yaml:"base_url"`
	URLTimeout      time.Duration `yaml:"url_timeout"`
	StartupWait     time.Duration `yaml:"startup_wait"`
	ProbePath       string        `yaml:"probe_path"`
}

type TailscaleConfig struct {
	Command     string        `yaml:"command"`
	ExtraArgs   string        `yaml:"extra_args"`
	Hostname    string        `yaml:"hostname"`
	StartupWait time.Duration `yaml:"startup_wait"`
}

type MonitorConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	RestartCooldown    time.Duration `yaml:"restart_cooldown"`
	MaxRestartsPerHour int           `yaml:"max_restarts_per_hour"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	ExemptProviders    []string      `yaml:"exempt_providers"`
	// RecheckSchedule is the cron schedule of the URL re-check run for
	// providers without a stable URL.
	RecheckSchedule string `yaml:"recheck_schedule"`
}

type WebhookConfig struct {
	BotToken           string        `yaml:"bot_token"`
	APIBaseURL         string        `yaml:"api_base_url"`
	Path               string        `yaml:"path"`
	Secret             string        `yaml:"secret"`
	SecretDir          string        `yaml:"secret_dir"`
	RegisterAttempts   int           `yaml:"register_attempts"`
	RegisterDelay      time.Duration `yaml:"register_delay"`
	MaxConnections     int           `yaml:"max_connections"`
	AllowedUpdates     []string      `yaml:"allowed_updates"`
	DropPendingUpdates bool          `yaml:"drop_pending_updates"`
	DeleteOnShutdown   bool          `yaml:"delete_on_shutdown"`
}

type DatabaseConfig struct {
	Path            string `yaml:"path"`
	RetentionDays   int    `yaml:"retention_days"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8000,
			LogLevel: "info",
		},
		Tunnel: TunnelConfig{
			Ngrok: NgrokConfig{
				AgentAPIURL: "http://127.0.0.1:4040",
			},
			Cloudflare: CloudflareConfig{
				Command:     "cloudflared",
				URLTimeout:  30 * time.Second,
				StartupWait: 2 * time.Second,
			},
			Tailscale: TailscaleConfig{
				Command:     "tailscale",
				StartupWait: 2 * time.Second,
			},
		},
		Monitor: MonitorConfig{
			Enabled:            true,
			Interval:           2 * time.Minute,
			RestartCooldown:    5 * time.Minute,
			MaxRestartsPerHour: 3,
			RestartDelay:       2 * time.Second,
			ExemptProviders:    []string{"ngrok"},
			RecheckSchedule:    "@every 5m",
		},
		Webhook: WebhookConfig{
			APIBaseURL:       "https://api.telegram.org",
			Path:             "/webhook",
			SecretDir:        "~/.config/hookrelay",
			RegisterAttempts: 6,
			RegisterDelay:    5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "~/.config/hookrelay/hookrelay.db",
			RetentionDays:   30,
			CleanupSchedule: "@daily",
		},
	}
}
