package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COM_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COM_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COM_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COM_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COM_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COM_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "COM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "COM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COM_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COM_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COM_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COM_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COM_S3_REGION")
	setStr(&cfg.S3.Bucket, "COM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COM_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "COM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COM_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "COM_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "COM_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "COM_SERVER_RATE_WINDOW")

	// ── Auth ──
	setStr(&cfg.Auth.KeystorePassword, "COM_AUTH_KEYSTORE_PASSWORD")
	setDuration(&cfg.Auth.AuthWindow, "COM_AUTH_WINDOW")

	// ── Engine ──
	setDuration(&cfg.Engine.SubmitTimeout, "COM_ENGINE_SUBMIT_TIMEOUT")
	setInt(&cfg.Engine.MaxRetries, "COM_ENGINE_MAX_RETRIES")
	setInt(&cfg.Engine.MaxLegCreatesPerFill, "COM_ENGINE_MAX_LEG_CREATES_PER_FILL")
	setFloat64(&cfg.Engine.BreakevenBufferBps, "COM_ENGINE_BREAKEVEN_BUFFER_BPS")
	setInt(&cfg.Engine.OrderRateLimit, "COM_ENGINE_ORDER_RATE_LIMIT")
	setDuration(&cfg.Engine.OrderRateWindow, "COM_ENGINE_ORDER_RATE_WINDOW")
	setDuration(&cfg.Engine.IdempotencyTTL, "COM_ENGINE_IDEMPOTENCY_TTL")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "COM_FEED_SOURCE")
	setStringSlice(&cfg.Feed.Symbols, "COM_FEED_SYMBOLS")
	setDuration(&cfg.Feed.PollInterval, "COM_FEED_POLL_INTERVAL")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "COM_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "COM_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
