// Package config loads environment variables and provides a typed Config used across the service.
// Required credentials are checked up front so a misconfigured deployment fails at startup
// instead of on the first webhook.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// MinMonitorInterval and MaxMonitorInterval bound the reconciliation period.
	MinMonitorInterval = 180 * time.Second
	MaxMonitorInterval = 300 * time.Second

	// DefaultMonitorLockKey is the advisory lock key shared by all replicas ("LIVE").
	DefaultMonitorLockKey int64 = 0x4C495645

	// EventSub secrets must be 10-100 ASCII characters.
	minEventSubSecretLen = 10
	maxEventSubSecretLen = 100

	// EventSubPath is where Twitch delivers webhook callbacks.
	EventSubPath = "/twitch/eventsub"
)

type Config struct {
	// Discord
	DiscordToken string

	// Twitch
	TwitchClientID     string
	TwitchClientSecret string
	EventSubSecret     string
	PublicBaseURL      string

	// Database
	DatabaseURL string

	// HTTP
	HTTPAddr string

	// Monitor
	MonitorInterval time.Duration
	MonitorLockKey  int64
	MaxBroadcasters int

	// Optional badge cache backend; in-memory when empty.
	RedisURL string

	// App token warmer cadence.
	TokenWarmInterval time.Duration

	// Admin API
	AdminToken    string
	AdminUsername string
	AdminPassword string

	// Admin rate limit per client IP.
	AdminRateLimit  int
	AdminRateWindow time.Duration

	// CORS. Permissive in dev (ENV unset or "dev"), origin allow-list otherwise.
	Env                string
	CORSPermissive     bool
	CORSAllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads environment variables, applies defaults and validates required settings.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("monitor_interval", "240s")
	v.SetDefault("monitor_lock_key", DefaultMonitorLockKey)
	v.SetDefault("max_broadcasters", 100)
	v.SetDefault("token_warm_interval", "5m")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("admin_rate_limit", 10)
	v.SetDefault("admin_rate_window", "1m")

	cfg := &Config{
		DiscordToken:       strings.TrimSpace(v.GetString("discord_token")),
		TwitchClientID:     strings.TrimSpace(v.GetString("twitch_client_id")),
		TwitchClientSecret: strings.TrimSpace(v.GetString("twitch_client_secret")),
		EventSubSecret:     v.GetString("twitch_eventsub_secret"),
		PublicBaseURL:      strings.TrimSpace(v.GetString("public_base_url")),
		DatabaseURL:        strings.TrimSpace(v.GetString("database_url")),
		HTTPAddr:           v.GetString("http_addr"),
		MonitorLockKey:     v.GetInt64("monitor_lock_key"),
		MaxBroadcasters:    v.GetInt("max_broadcasters"),
		RedisURL:           strings.TrimSpace(v.GetString("redis_url")),
		AdminToken:         v.GetString("admin_token"),
		AdminUsername:      v.GetString("admin_username"),
		AdminPassword:      v.GetString("admin_password"),
		AdminRateLimit:     v.GetInt("admin_rate_limit"),
		Env:                strings.ToLower(strings.TrimSpace(v.GetString("env"))),
		CORSAllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		LogLevel:           strings.ToLower(v.GetString("log_level")),
		LogFormat:          strings.ToLower(v.GetString("log_format")),
	}
	// DB_DSN is the name older deployments used.
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = strings.TrimSpace(v.GetString("db_dsn"))
	}

	interval, err := time.ParseDuration(v.GetString("monitor_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid MONITOR_INTERVAL: %w", err)
	}
	cfg.MonitorInterval = ClampMonitorInterval(interval)

	warm, err := time.ParseDuration(v.GetString("token_warm_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_WARM_INTERVAL: %w", err)
	}
	cfg.TokenWarmInterval = warm

	rw, err := time.ParseDuration(v.GetString("admin_rate_window"))
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_RATE_WINDOW: %w", err)
	}
	cfg.AdminRateWindow = rw
	if cfg.AdminRateLimit <= 0 {
		cfg.AdminRateLimit = 10
	}

	cfg.CORSPermissive = cfg.Env == "" || cfg.Env == "dev" || cfg.Env == "development"
	if v.IsSet("cors_permissive") {
		cfg.CORSPermissive = v.GetBool("cors_permissive")
	}

	if cfg.MaxBroadcasters <= 0 {
		cfg.MaxBroadcasters = 100
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"DISCORD_TOKEN", c.DiscordToken},
		{"TWITCH_CLIENT_ID", c.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", c.TwitchClientSecret},
		{"TWITCH_EVENTSUB_SECRET", c.EventSubSecret},
		{"PUBLIC_BASE_URL", c.PublicBaseURL},
		{"DATABASE_URL", c.DatabaseURL},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if n := len(c.EventSubSecret); n < minEventSubSecretLen || n > maxEventSubSecretLen {
		return fmt.Errorf("TWITCH_EVENTSUB_SECRET must be %d-%d characters, got %d", minEventSubSecretLen, maxEventSubSecretLen, n)
	}
	if !strings.HasPrefix(c.PublicBaseURL, "https://") && !strings.HasPrefix(c.PublicBaseURL, "http://") {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL")
	}
	return nil
}

// CallbackURL is the EventSub webhook address registered with Twitch.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + EventSubPath
}

// ClampMonitorInterval keeps d within [MinMonitorInterval, MaxMonitorInterval].
func ClampMonitorInterval(d time.Duration) time.Duration {
	if d < MinMonitorInterval {
		return MinMonitorInterval
	}
	if d > MaxMonitorInterval {
		return MaxMonitorInterval
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
