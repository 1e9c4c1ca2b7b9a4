package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/at6132/com/internal/domain"
)

// EventService defines the journal query the event handler requires.
type EventService interface {
	ListRecent(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Event, error)
}

// EventHandler serves the read-side event journal.
type EventHandler struct {
	events EventService
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventService, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		events: events,
		logger: logger,
	}
}

// ListEvents returns recent events for a strategy.
// GET /api/v1/events?strategy_id=...&limit=100&since=...&until=...
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy_id")
	if strategyID == "" {
		writeError(w, http.StatusBadRequest, "strategy_id query parameter required")
		return
	}

	events, err := h.events.ListRecent(r.Context(), strategyID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list events failed",
			slog.String("strategy_id", strategyID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
