package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/at6132/com/internal/blob/s3"
	"github.com/at6132/com/internal/broker"
	"github.com/at6132/com/internal/cache/redis"
	"github.com/at6132/com/internal/config"
	"github.com/at6132/com/internal/crypto"
	"github.com/at6132/com/internal/domain"
	"github.com/at6132/com/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application needs.
// It is constructed by Wire and torn down by the returned cleanup function.
// Redis- and S3-backed fields are nil when the corresponding backend is
// disabled in the configuration.
type Dependencies struct {
	// Stores
	Orders      domain.OrderStore
	Positions   domain.PositionStore
	Legs        domain.LegStore
	Events      domain.EventStore
	Idempotency domain.IdempotencyStore
	APIKeys     domain.APIKeyStore

	// Backing clients, retained for health checks.
	PG    *postgres.Client
	Redis *redis.Client
	S3    *s3blob.Client

	// Redis-backed infrastructure (nil without Redis)
	SignalBus     domain.SignalBus
	SnapshotCache domain.SnapshotCache
	RateLimiter   domain.RateLimiter

	// Cold storage (nil without S3)
	Archiver *s3blob.Archiver

	// Keystore decrypts push-channel API secrets (nil without a password).
	Keystore *crypto.Keystore

	// Exec is the execution venue capability.
	Exec broker.Broker
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.PG = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Legs = postgres.NewLegStore(pool)
	eventStore := postgres.NewEventStore(pool)
	deps.Events = eventStore
	deps.Idempotency = postgres.NewIdempotencyStore(pool)
	deps.APIKeys = postgres.NewAPIKeyStore(pool)

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Redis = redisClient

		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.SnapshotCache = redis.NewSnapshotCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	} else {
		logger.Info("redis disabled, running journal-only with no push fan-out")
	}

	// --- S3 cold storage (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = s3Client

		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			writer,
			reader,
			eventStore,
			cfg.Archive.Interval.Duration,
			logger,
		)
	}

	// --- Keystore ---
	if cfg.Auth.KeystorePassword != "" {
		ks, err := crypto.NewKeystore(cfg.Auth.KeystorePassword)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: keystore: %w", err)
		}
		deps.Keystore = ks
	}

	// --- Execution venue ---
	deps.Exec = broker.NewPaper(logger)

	return deps, cleanup, nil
}
