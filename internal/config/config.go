package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/p-blackswan/focus-engine/internal/focus"
)

// Auth modes accepted by the control API.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
	AuthJWT    = "jwt"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"` // health + metrics

	// Storage
	DBPath string `envconfig:"FOCUS_DB_PATH" default:"focus.db"`

	// Control API
	APIListenAddr     string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APIAuthMode       string `envconfig:"API_AUTH_MODE" default:"api-key"`
	APIKey            string `envconfig:"API_KEY"`
	APIJWTSecret      string `envconfig:"API_JWT_SECRET"`
	APIRateLimitRPS   int    `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	APIRateLimitBurst int    `envconfig:"API_RATE_LIMIT_BURST" default:"200"`
	APICORSOrigins    string `envconfig:"API_CORS_ORIGINS"`
	APITLSCert        string `envconfig:"API_TLS_CERT"`
	APITLSKey         string `envconfig:"API_TLS_KEY"`

	// Session protocol
	WorkMinutes      int           `envconfig:"FOCUS_WORK_MINUTES" default:"25"`
	BreakMinutes     int           `envconfig:"FOCUS_BREAK_MINUTES" default:"5"`
	LongBreakMinutes int           `envconfig:"FOCUS_LONG_BREAK_MINUTES" default:"15"`
	TickInterval     time.Duration `envconfig:"FOCUS_TICK_INTERVAL" default:"1s"`

	// Persistence
	PersistTimeout   time.Duration `envconfig:"PERSIST_TIMEOUT" default:"5s"`
	PersistRetries   int           `envconfig:"PERSIST_RETRIES" default:"3"`
	BackfillInterval time.Duration `envconfig:"BACKFILL_INTERVAL" default:"30s"`
	TaskCacheSize    int           `envconfig:"TASK_CACHE_SIZE" default:"256"`
	TaskCacheTTL     time.Duration `envconfig:"TASK_CACHE_TTL" default:"5m"`
	RankTablePath    string        `envconfig:"RANK_TABLE_PATH"`

	// Housekeeping
	RetentionInterval   time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`
	DeadLetterRetention time.Duration `envconfig:"DEAD_LETTER_RETENTION" default:"24h"`

	// Announcements (optional; completions are logged when unset)
	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL"`
	SlackChannel    string `envconfig:"SLACK_CHANNEL"`
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.WorkMinutes < 1 || c.BreakMinutes < 1 || c.LongBreakMinutes < 1 {
		return fmt.Errorf("phase durations must be at least one minute (work=%d break=%d long_break=%d)",
			c.WorkMinutes, c.BreakMinutes, c.LongBreakMinutes)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("FOCUS_TICK_INTERVAL must be positive")
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT must be positive")
	}
	if c.PersistRetries < 1 {
		return fmt.Errorf("PERSIST_RETRIES must be at least 1")
	}
	if c.BackfillInterval <= 0 {
		return fmt.Errorf("BACKFILL_INTERVAL must be positive")
	}
	if c.RetentionInterval <= 0 || c.DeadLetterRetention <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL and DEAD_LETTER_RETENTION must be positive")
	}
	if c.TaskCacheSize < 1 {
		return fmt.Errorf("TASK_CACHE_SIZE must be at least 1")
	}

	switch c.APIAuthMode {
	case AuthNone:
	case AuthAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("API_KEY is required when API_AUTH_MODE=%s", AuthAPIKey)
		}
	case AuthJWT:
		if c.APIJWTSecret == "" {
			return fmt.Errorf("API_JWT_SECRET is required when API_AUTH_MODE=%s", AuthJWT)
		}
	default:
		return fmt.Errorf("unknown API_AUTH_MODE %q", c.APIAuthMode)
	}

	if (c.APITLSCert == "") != (c.APITLSKey == "") {
		return fmt.Errorf("API_TLS_CERT and API_TLS_KEY must be set together")
	}
	return nil
}

// Durations converts the configured minutes into session phase lengths.
func (c *Config) Durations() focus.Durations {
	return focus.Durations{
		Work:      time.Duration(c.WorkMinutes) * time.Minute,
		Break:     time.Duration(c.BreakMinutes) * time.Minute,
		LongBreak: time.Duration(c.LongBreakMinutes) * time.Minute,
	}
}

// SlackEnabled returns true if a webhook is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackWebhookURL != ""
}

// CORSOrigins returns the parsed list of allowed origins.
func (c *Config) CORSOrigins() []string {
	if c.APICORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.APICORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
