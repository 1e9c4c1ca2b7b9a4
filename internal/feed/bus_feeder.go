package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/at6132/com/internal/domain"
)

// priceMessage is the JSON shape published to the "prices" channel by an
// external market data process.
type priceMessage struct {
	Symbol    string  `json:"symbol"`
	Mark      float64 `json:"mark"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp string  `json:"timestamp"`
}

// BusFeeder subscribes to the "prices" channel on the signal bus and feeds
// the decoded snapshots into the registered handlers. It lets a separate
// price process drive the engine instead of (or alongside) the poller.
type BusFeeder struct {
	bus      domain.SignalBus
	cache    domain.SnapshotCache
	handlers []SnapshotHandler
	logger   *slog.Logger
}

// NewBusFeeder creates a BusFeeder. cache may be nil.
func NewBusFeeder(bus domain.SignalBus, cache domain.SnapshotCache, logger *slog.Logger) *BusFeeder {
	return &BusFeeder{
		bus:    bus,
		cache:  cache,
		logger: logger.With(slog.String("component", "bus_feeder")),
	}
}

// OnSnapshot registers a handler. Not safe to call after Run starts.
func (f *BusFeeder) OnSnapshot(h SnapshotHandler) {
	f.handlers = append(f.handlers, h)
}

// Run subscribes to "prices" and dispatches each decoded snapshot until ctx
// is cancelled.
func (f *BusFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, "prices")
	if err != nil {
		return err
	}
	f.logger.Info("bus feeder started")
	defer f.logger.Info("bus feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Debug("bus feeder handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *BusFeeder) handleMessage(ctx context.Context, data []byte) error {
	var msg priceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	symbol := strings.TrimSpace(msg.Symbol)
	if symbol == "" {
		return nil
	}

	ts := time.Now().UTC()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}

	snap := domain.Snapshot{
		Symbol:    symbol,
		MarkTicks: domain.Ticks(msg.Mark),
		LastTicks: domain.Ticks(msg.Last),
		BidTicks:  domain.Ticks(msg.Bid),
		AskTicks:  domain.Ticks(msg.Ask),
		UpdatedAt: ts,
	}

	if f.cache != nil {
		if err := f.cache.Set(ctx, snap); err != nil {
			f.logger.Debug("snapshot cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, h := range f.handlers {
		h(ctx, snap)
	}
	return nil
}
