// Package feed delivers market snapshots to the exit engine, either by
// polling the execution venue or by consuming snapshots published on the
// signal bus by an external price process.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/at6132/com/internal/broker"
	"github.com/at6132/com/internal/domain"
)

// SnapshotHandler is called for each fresh market snapshot.
type SnapshotHandler func(ctx context.Context, snap domain.Snapshot)

// Poller pulls market data from the execution venue for the configured
// instruments and invokes the handlers on every change. Unchanged snapshots
// are suppressed so the engine only evaluates on movement.
type Poller struct {
	exec     broker.Broker
	symbols  []string
	interval time.Duration
	handlers []SnapshotHandler
	cache    domain.SnapshotCache
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	last map[string]domain.Snapshot
}

// NewPoller creates a poller over the given instruments. cache may be nil.
func NewPoller(exec broker.Broker, symbols []string, interval time.Duration, cache domain.SnapshotCache, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		exec:     exec,
		symbols:  symbols,
		interval: interval,
		cache:    cache,
		logger:   logger.With(slog.String("component", "feed_poller")),
		done:     make(chan struct{}),
		last:     make(map[string]domain.Snapshot),
	}
}

// OnSnapshot registers a handler. Not safe to call after Run starts.
func (p *Poller) OnSnapshot(h SnapshotHandler) {
	p.handlers = append(p.handlers, h)
}

// Run polls until ctx is cancelled or Close is called.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.symbols) == 0 {
		p.logger.Info("no instruments configured, poller exiting")
		return nil
	}
	p.logger.Info("feed poller started",
		slog.Int("instruments", len(p.symbols)),
		slog.Duration("interval", p.interval),
	)
	defer p.logger.Info("feed poller stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, symbol := range p.symbols {
		snap, err := p.exec.MarketData(ctx, symbol)
		if err != nil {
			p.logger.Debug("market data unavailable",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.dispatch(ctx, snap)
	}
}

// dispatch forwards a snapshot when any price moved since the last one.
func (p *Poller) dispatch(ctx context.Context, snap domain.Snapshot) {
	p.mu.Lock()
	prev, seen := p.last[snap.Symbol]
	changed := !seen || prev.MarkTicks != snap.MarkTicks || prev.LastTicks != snap.LastTicks ||
		prev.BidTicks != snap.BidTicks || prev.AskTicks != snap.AskTicks
	if changed {
		p.last[snap.Symbol] = snap
	}
	p.mu.Unlock()
	if !changed {
		return
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, snap); err != nil {
			p.logger.Debug("snapshot cache write failed",
				slog.String("symbol", snap.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, h := range p.handlers {
		h(ctx, snap)
	}
}

// Close stops the poller.
func (p *Poller) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
