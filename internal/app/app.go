// Package app provides the top-level application lifecycle for the central
// order manager daemon. It wires together stores, caches, the execution
// venue, the exit-plan scheduler, services, and the HTTP/WebSocket server,
// then runs them under a shared error group until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/at6132/com/internal/config"
	"github.com/at6132/com/internal/engine"
	"github.com/at6132/com/internal/feed"
	"github.com/at6132/com/internal/server"
	"github.com/at6132/com/internal/server/handler"
	"github.com/at6132/com/internal/server/ws"
	"github.com/at6132/com/internal/service"
)

// idempotencyPurgeInterval is how often expired idempotency records are
// swept from the store.
const idempotencyPurgeInterval = time.Hour

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, restores open
// positions into the scheduler, starts the serving goroutines, and blocks
// until the context is cancelled or a component fails. On return the caller
// should invoke Close to release resources.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting order manager",
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("feed_source", a.cfg.Feed.Source),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// Engine.
	ledger := engine.NewLedger()
	events := service.NewEventService(deps.Events, deps.SignalBus, a.logger)
	sched := engine.NewScheduler(engine.Config{
		SubmitTimeout:        a.cfg.Engine.SubmitTimeout.Duration,
		MaxRetries:           a.cfg.Engine.MaxRetries,
		MaxLegCreatesPerFill: a.cfg.Engine.MaxLegCreatesPerFill,
		BreakevenBufferBps:   a.cfg.Engine.BreakevenBufferBps,
	}, deps.Exec, ledger, deps.Positions, deps.Legs, events, a.logger)

	// Rebuild in-memory books before accepting any traffic so snapshots
	// and admissions see every surviving position.
	if err := sched.Restore(ctx); err != nil {
		return fmt.Errorf("app: restore positions: %w", err)
	}

	// Services.
	orderSvc := service.NewOrderService(service.OrderConfig{
		RateLimit:      a.cfg.Engine.OrderRateLimit,
		RateWindow:     a.cfg.Engine.OrderRateWindow.Duration,
		IdempotencyTTL: a.cfg.Engine.IdempotencyTTL.Duration,
	}, deps.Orders, deps.Positions, deps.Idempotency, deps.Exec, sched, deps.RateLimiter, events, a.logger)
	posSvc := service.NewPositionService(sched, deps.Positions, deps.Legs, a.logger)

	// Push channel.
	hub := ws.NewHub(ws.Config{
		AuthWindow: a.cfg.Auth.AuthWindow.Duration,
	}, deps.SignalBus, deps.APIKeys, deps.Keystore, a.logger)

	// HTTP server.
	checks := map[string]handler.Checker{
		"postgres": deps.PG.Pool().Ping,
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(checks),
		Orders:    handler.NewOrderHandler(orderSvc, a.logger),
		Positions: handler.NewPositionHandler(posSvc, orderSvc, a.logger),
		Events:    handler.NewEventHandler(events, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return hub.Run(ctx) })

	g.Go(func() error { return a.runFeed(ctx, deps, sched) })

	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx) })
	}

	g.Go(func() error { return a.purgeIdempotency(ctx, deps) })

	a.logger.InfoContext(ctx, "order manager running",
		slog.Int("port", a.cfg.Server.Port))

	return g.Wait()
}

// runFeed starts the configured market data source and routes every snapshot
// into the scheduler.
func (a *App) runFeed(ctx context.Context, deps *Dependencies, sched *engine.Scheduler) error {
	switch a.cfg.Feed.Source {
	case "bus":
		feeder := feed.NewBusFeeder(deps.SignalBus, deps.SnapshotCache, a.logger)
		feeder.OnSnapshot(sched.OnSnapshot)
		return feeder.Run(ctx)
	default:
		poller := feed.NewPoller(
			deps.Exec,
			a.cfg.Feed.Symbols,
			a.cfg.Feed.PollInterval.Duration,
			deps.SnapshotCache,
			a.logger,
		)
		poller.OnSnapshot(sched.OnSnapshot)
		defer poller.Close()
		return poller.Run(ctx)
	}
}

// purgeIdempotency periodically sweeps expired admission records.
func (a *App) purgeIdempotency(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(idempotencyPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := deps.Idempotency.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				a.logger.Warn("idempotency purge failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Debug("purged idempotency records", slog.Int64("count", n))
			}
		}
	}
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down order manager")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
