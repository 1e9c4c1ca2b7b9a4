package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[server]
port = 9100
rate_window = "30s"

[engine]
submit_timeout = "5s"
order_rate_limit = 120

[feed]
source = "poll"
symbols = ["BTC-USDT", "ETH-USDT"]
poll_interval = "250ms"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.RateWindow.Duration != 30*time.Second {
		t.Errorf("Server.RateWindow = %s, want 30s", cfg.Server.RateWindow.Duration)
	}
	if cfg.Engine.SubmitTimeout.Duration != 5*time.Second {
		t.Errorf("Engine.SubmitTimeout = %s, want 5s", cfg.Engine.SubmitTimeout.Duration)
	}
	if cfg.Engine.OrderRateLimit != 120 {
		t.Errorf("Engine.OrderRateLimit = %d, want 120", cfg.Engine.OrderRateLimit)
	}
	if cfg.Feed.PollInterval.Duration != 250*time.Millisecond {
		t.Errorf("Feed.PollInterval = %s, want 250ms", cfg.Feed.PollInterval.Duration)
	}

	// Untouched sections keep defaults.
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port = %d, want default 5432", cfg.Postgres.Port)
	}
	if cfg.Engine.MaxLegCreatesPerFill != 3 {
		t.Errorf("Engine.MaxLegCreatesPerFill = %d, want default 3", cfg.Engine.MaxLegCreatesPerFill)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9100
`)

	t.Setenv("COM_SERVER_PORT", "9200")
	t.Setenv("COM_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("COM_REDIS_ENABLED", "false")
	t.Setenv("COM_FEED_SYMBOLS", "BTC-USDT, ETH-USDT")
	t.Setenv("COM_ENGINE_IDEMPOTENCY_TTL", "12h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want env override 9200", cfg.Server.Port)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("Postgres.Password = %q, want env override", cfg.Postgres.Password)
	}
	if cfg.Redis.Enabled {
		t.Error("Redis.Enabled = true, want env override false")
	}
	if len(cfg.Feed.Symbols) != 2 || cfg.Feed.Symbols[1] != "ETH-USDT" {
		t.Errorf("Feed.Symbols = %v, want [BTC-USDT ETH-USDT]", cfg.Feed.Symbols)
	}
	if cfg.Engine.IdempotencyTTL.Duration != 12*time.Hour {
		t.Errorf("Engine.IdempotencyTTL = %s, want 12h", cfg.Engine.IdempotencyTTL.Duration)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Redis.Enabled = false
		cfg.Feed.Symbols = []string{"BTC-USDT"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults with symbols pass",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name:    "server port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server: port",
		},
		{
			name:    "redis enabled without addr",
			mutate:  func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" },
			wantErr: "redis: addr",
		},
		{
			name: "redis enabled without keystore password",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
			},
			wantErr: "keystore_password",
		},
		{
			name:    "s3 enabled without bucket",
			mutate:  func(c *Config) { c.S3.Enabled = true; c.S3.Bucket = "" },
			wantErr: "s3: bucket",
		},
		{
			name:    "unknown feed source",
			mutate:  func(c *Config) { c.Feed.Source = "carrier-pigeon" },
			wantErr: "feed",
		},
		{
			name: "bus feed requires redis",
			mutate: func(c *Config) {
				c.Feed.Source = "bus"
			},
			wantErr: "feed",
		},
		{
			name:    "poll feed requires symbols",
			mutate:  func(c *Config) { c.Feed.Symbols = nil },
			wantErr: "feed",
		},
		{
			name:    "pool bounds inverted",
			mutate:  func(c *Config) { c.Postgres.PoolMinConns = 20 },
			wantErr: "pool_min_conns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.AccessKey = "AKIA123"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Auth.KeystorePassword = "ks-secret"

	red := RedactedConfig(&cfg)

	for _, got := range []string{
		red.Postgres.Password,
		red.Redis.Password,
		red.S3.AccessKey,
		red.S3.SecretKey,
		red.Server.APIKey,
		red.Auth.KeystorePassword,
	} {
		if strings.Contains(got, "secret") || strings.Contains(got, "AKIA") {
			t.Errorf("secret leaked through redaction: %q", got)
		}
	}

	// The original must not be mutated.
	if cfg.Postgres.Password != "pg-secret" {
		t.Error("RedactedConfig mutated the source config")
	}
}
