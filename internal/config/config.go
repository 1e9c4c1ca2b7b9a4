// Package config defines the top-level configuration for the order manager
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COM_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Engine   EngineConfig   `toml:"engine"`
	Feed     FeedConfig     `toml:"feed"`
	Archive  ArchiveConfig  `toml:"archive"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional: without
// it the process runs journal-only, with no push channel fan-out, snapshot
// cache, or distributed rate limiting.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the event
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// AuthConfig holds push-channel credential parameters.
type AuthConfig struct {
	// KeystorePassword decrypts API secrets stored at rest.
	KeystorePassword string `toml:"keystore_password"`

	// AuthWindow bounds handshake timestamp drift.
	AuthWindow duration `toml:"auth_window"`
}

// EngineConfig tunes the exit-plan scheduler.
type EngineConfig struct {
	SubmitTimeout        duration `toml:"submit_timeout"`
	MaxRetries           int      `toml:"max_retries"`
	MaxLegCreatesPerFill int      `toml:"max_leg_creates_per_fill"`
	BreakevenBufferBps   float64  `toml:"breakeven_buffer_bps"`

	// OrderRateLimit caps admissions per strategy per OrderRateWindow.
	OrderRateLimit  int      `toml:"order_rate_limit"`
	OrderRateWindow duration `toml:"order_rate_window"`

	// IdempotencyTTL is how long idempotency keys pin their result.
	IdempotencyTTL duration `toml:"idempotency_ttl"`
}

// FeedConfig selects the market data source.
type FeedConfig struct {
	// Source is "poll" (query the execution venue) or "bus" (consume the
	// Redis price channel).
	Source       string   `toml:"source"`
	Symbols      []string `toml:"symbols"`
	PollInterval duration `toml:"poll_interval"`
}

// ArchiveConfig tunes the S3 event-journal archiver.
type ArchiveConfig struct {
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "com",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "com-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   300,
			RateWindow:  duration{time.Minute},
		},
		Auth: AuthConfig{
			AuthWindow: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			SubmitTimeout:        duration{10 * time.Second},
			MaxRetries:           2,
			MaxLegCreatesPerFill: 3,
			BreakevenBufferBps:   10,
			OrderRateLimit:       60,
			OrderRateWindow:      duration{time.Minute},
			IdempotencyTTL:       duration{24 * time.Hour},
		},
		Feed: FeedConfig{
			Source:       "poll",
			Symbols:      []string{},
			PollInterval: duration{time.Second},
		},
		Archive: ArchiveConfig{
			Interval: duration{time.Hour},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validFeedSources enumerates the accepted values for Feed.Source.
var validFeedSources = map[string]bool{
	"poll": true,
	"bus":  true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Auth: the push channel needs a keystore password to decrypt stored
	// secrets; without Redis the channel is disabled and the password is
	// optional.
	if c.Redis.Enabled && c.Auth.KeystorePassword == "" {
		errs = append(errs, "auth: keystore_password must be set when redis is enabled")
	}

	// Engine
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, "engine: max_retries must be >= 0")
	}
	if c.Engine.MaxLegCreatesPerFill < 1 {
		errs = append(errs, "engine: max_leg_creates_per_fill must be >= 1")
	}
	if c.Engine.BreakevenBufferBps < 0 {
		errs = append(errs, "engine: breakeven_buffer_bps must be >= 0")
	}

	// Feed
	if !validFeedSources[strings.ToLower(c.Feed.Source)] {
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: poll, bus)", c.Feed.Source))
	}
	if strings.ToLower(c.Feed.Source) == "bus" && !c.Redis.Enabled {
		errs = append(errs, "feed: source \"bus\" requires redis to be enabled")
	}
	if strings.ToLower(c.Feed.Source) == "poll" && len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: symbols must not be empty for source \"poll\"")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
