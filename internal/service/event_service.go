package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/at6132/com/internal/domain"
	"github.com/at6132/com/internal/engine"
)

// GUIChannel is the bus channel that receives every event regardless of
// strategy, for operator dashboards.
const GUIChannel = "events:GUI"

// EventService journals engine events and fans them out on the signal bus,
// one channel per strategy plus the GUI firehose. Journal and bus failures
// are logged, never propagated: an event sink that could fail would let
// observability problems stall trading.
type EventService struct {
	store  domain.EventStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventService creates the sink. bus may be nil when running without
// Redis, in which case events are journal-only.
func NewEventService(store domain.EventStore, bus domain.SignalBus, logger *slog.Logger) *EventService {
	return &EventService{
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "event_service")),
	}
}

// Emit persists the event and publishes it to the strategy channel and the
// GUI channel.
func (s *EventService) Emit(ctx context.Context, ev domain.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	if err := s.store.Append(ctx, ev); err != nil {
		s.logger.Error("event_service: journal append failed",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
			slog.Any("error", err),
		)
	}

	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event_service: marshal failed",
			slog.String("event_id", ev.ID),
			slog.Any("error", err),
		)
		return
	}
	for _, channel := range []string{"events:" + ev.StrategyID, GUIChannel} {
		if err := s.bus.Publish(ctx, channel, payload); err != nil {
			s.logger.Error("event_service: publish failed",
				slog.String("channel", channel),
				slog.String("event_id", ev.ID),
				slog.Any("error", err),
			)
		}
	}
}

// ListRecent pages through the journal for the read-side query API.
func (s *EventService) ListRecent(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Event, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	return s.store.ListRecent(ctx, strategyID, opts)
}

// Compile-time interface check.
var _ engine.EventSink = (*EventService)(nil)
