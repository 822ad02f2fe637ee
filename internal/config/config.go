package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/webhook"
	"github.com/caarlos0/env/v9"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Counter   CounterConfig
	Quota     QuotaConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Usage     UsageConfig
	Janitor   JanitorConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver  string        `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN     string        `env:"DB_DSN" envDefault:"data/feedgate.db"`
	Timeout time.Duration `env:"DB_TIMEOUT" envDefault:"5s"` // Per-call ceiling for auth and limiter lookups
}

// CounterConfig selects where quota and IP counters live.
type CounterConfig struct {
	Backend       string `env:"COUNTER_BACKEND" envDefault:"sql"` // sql or redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// QuotaConfig holds hourly request limits per plan tier.
type QuotaConfig struct {
	FreePerHour       int    `env:"QUOTA_FREE_PER_HOUR" envDefault:"0"`
	StarterPerHour    int    `env:"QUOTA_STARTER_PER_HOUR" envDefault:"100"`
	ProPerHour        int    `env:"QUOTA_PRO_PER_HOUR" envDefault:"1000"`
	EnterprisePerHour int    `env:"QUOTA_ENTERPRISE_PER_HOUR" envDefault:"10000"`
	DefaultTier       string `env:"DEFAULT_PLAN_TIER" envDefault:"free"`
}

// Table returns the tier-to-limit mapping.
func (c *QuotaConfig) Table() domain.QuotaTable {
	return domain.QuotaTable{
		domain.TierFree:       c.FreePerHour,
		domain.TierStarter:    c.StarterPerHour,
		domain.TierPro:        c.ProPerHour,
		domain.TierEnterprise: c.EnterprisePerHour,
	}
}

// RateLimitConfig holds the anonymous per-IP policies.
type RateLimitConfig struct {
	AuthWindow     time.Duration `env:"RATE_AUTH_WINDOW" envDefault:"15m"`
	AuthMax        int           `env:"RATE_AUTH_MAX" envDefault:"5"`
	WaitlistWindow time.Duration `env:"RATE_WAITLIST_WINDOW" envDefault:"1h"`
	WaitlistMax    int           `env:"RATE_WAITLIST_MAX" envDefault:"3"`
	APIWindow      time.Duration `env:"RATE_API_WINDOW" envDefault:"1m"`
	APIMax         int           `env:"RATE_API_MAX" envDefault:"100"`
}

// Policies returns the named anonymous policies.
func (c *RateLimitConfig) Policies() map[string]domain.RateLimitPolicy {
	return map[string]domain.RateLimitPolicy{
		"auth":     {Name: "auth", Window: c.AuthWindow, MaxRequests: c.AuthMax},
		"waitlist": {Name: "waitlist", Window: c.WaitlistWindow, MaxRequests: c.WaitlistMax},
		"api":      {Name: "api", Window: c.APIWindow, MaxRequests: c.APIMax},
	}
}

// WebhookConfig holds outbound delivery settings.
type WebhookConfig struct {
	Timeout           time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	FailureThreshold  int           `env:"WEBHOOK_FAILURE_THRESHOLD" envDefault:"10"`
	Concurrency       int           `env:"WEBHOOK_CONCURRENCY" envDefault:"8"`
	MaxPayloadBytes   int           `env:"WEBHOOK_MAX_PAYLOAD_BYTES" envDefault:"262144"`
	ResponseBodyLimit int           `env:"WEBHOOK_RESPONSE_BODY_LIMIT" envDefault:"1000"`
	UserAgentVersion  string        `env:"WEBHOOK_USER_AGENT_VERSION" envDefault:"1.0"`
}

// Dispatch returns the delivery settings for webhook.NewDispatcher.
func (c WebhookConfig) Dispatch() webhook.Config {
	cfg := webhook.DefaultConfig()
	cfg.Version = c.UserAgentVersion
	cfg.Timeout = c.Timeout
	cfg.MaxPayloadBytes = c.MaxPayloadBytes
	cfg.ResponseBodyLimit = c.ResponseBodyLimit
	cfg.Concurrency = c.Concurrency
	return cfg
}

// UsageConfig holds usage recorder settings.
type UsageConfig struct {
	BufferSize int           `env:"USAGE_BUFFER_SIZE" envDefault:"1024"`
	Retention  time.Duration `env:"USAGE_RETENTION" envDefault:"2160h"`
}

// JanitorConfig holds background cleanup settings.
type JanitorConfig struct {
	Interval time.Duration `env:"JANITOR_INTERVAL" envDefault:"10m"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"` // json or text
}

// SlogLevel maps Level onto slog, defaulting to info.
func (c *LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	groups := []struct {
		name string
		dst  any
	}{
		{"server", &cfg.Server},
		{"database", &cfg.Database},
		{"counter", &cfg.Counter},
		{"quota", &cfg.Quota},
		{"rate limit", &cfg.RateLimit},
		{"webhook", &cfg.Webhook},
		{"usage", &cfg.Usage},
		{"janitor", &cfg.Janitor},
		{"log", &cfg.Log},
		{"metrics", &cfg.Metrics},
	}
	for _, g := range groups {
		if err := env.Parse(g.dst); err != nil {
			return nil, fmt.Errorf("parsing %s config: %w", g.name, err)
		}
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	switch c.Counter.Backend {
	case "sql":
	case "redis":
		if c.Counter.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when COUNTER_BACKEND is redis")
		}
	default:
		return fmt.Errorf("COUNTER_BACKEND must be sql or redis, got %q", c.Counter.Backend)
	}

	if _, err := domain.ParsePlanTier(c.Quota.DefaultTier); err != nil {
		return fmt.Errorf("DEFAULT_PLAN_TIER: %w", err)
	}
	for tier, limit := range c.Quota.Table() {
		if limit < 0 {
			return fmt.Errorf("quota for %s must not be negative", tier)
		}
	}

	rl := c.RateLimit
	if rl.AuthWindow <= 0 || rl.WaitlistWindow <= 0 || rl.APIWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if rl.AuthMax <= 0 || rl.WaitlistMax <= 0 || rl.APIMax <= 0 {
		return fmt.Errorf("rate limit maximums must be positive")
	}

	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	if c.Webhook.FailureThreshold <= 0 {
		return fmt.Errorf("WEBHOOK_FAILURE_THRESHOLD must be positive")
	}
	if c.Usage.BufferSize <= 0 {
		return fmt.Errorf("USAGE_BUFFER_SIZE must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}

	return nil
}
