package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/at6132/com/internal/domain"
	"github.com/at6132/com/internal/service"
)

// PositionService defines the methods the position handler requires.
type PositionService interface {
	Get(ctx context.Context, ref string) (domain.Position, error)
	SubOrders(ctx context.Context, positionRef string) ([]domain.Leg, error)
	ListOpen(ctx context.Context) ([]domain.Position, error)
	Close(ctx context.Context, ref string) error
}

// PlanService defines the amend operation the position handler requires.
type PlanService interface {
	AmendPlan(ctx context.Context, positionRef string, req *service.AmendPlanRequest) ([]domain.Leg, error)
}

// PositionHandler serves position and sub-order query endpoints.
type PositionHandler struct {
	positions PositionService
	plans     PlanService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, plans PlanService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		plans:     plans,
		logger:    logger,
	}
}

type positionResponse struct {
	PositionRef string     `json:"position_ref"`
	StrategyID  string     `json:"strategy_id"`
	Symbol      string     `json:"symbol"`
	Side        string     `json:"side"`
	State       string     `json:"state"`
	EntryPrice  float64    `json:"entry_price"`
	Qty         float64    `json:"qty"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

func toPositionResponse(p domain.Position) positionResponse {
	return positionResponse{
		PositionRef: p.Ref,
		StrategyID:  p.StrategyID,
		Symbol:      p.Symbol,
		Side:        string(p.Side),
		State:       string(p.State),
		EntryPrice:  p.Entry(),
		Qty:         p.Qty(),
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
	}
}

type subOrderResponse struct {
	SubOrderRef string  `json:"sub_order_ref"`
	Kind        string  `json:"kind"`
	Label       string  `json:"label,omitempty"`
	State       string  `json:"state"`
	ReservedQty float64 `json:"reserved_qty"`
	FilledQty   float64 `json:"filled_qty"`
	TriggerMode string  `json:"trigger_mode"`
	Armed       bool    `json:"armed"`
	Reason      string  `json:"cancel_reason,omitempty"`
}

func toSubOrderResponse(leg domain.Leg) subOrderResponse {
	return subOrderResponse{
		SubOrderRef: leg.Ref,
		Kind:        string(leg.Kind),
		Label:       leg.Label,
		State:       string(leg.State),
		ReservedQty: float64(leg.ReservedUnits) / 1e6,
		FilledQty:   float64(leg.FilledUnits) / 1e6,
		TriggerMode: string(leg.Trigger.Mode),
		Armed:       leg.Trigger.Armed,
		Reason:      string(leg.CancelReason),
	}
}

// ListPositions returns all open positions.
// GET /api/v1/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListOpen(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// GetPosition returns a position by reference.
// GET /api/v1/positions/{ref}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	ref := pathParam(r, "ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing position ref")
		return
	}

	pos, err := h.positions.Get(r.Context(), ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("position_ref", ref),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// ListSubOrders returns a position's exit legs in plan order.
// GET /api/v1/positions/{ref}/suborders
func (h *PositionHandler) ListSubOrders(w http.ResponseWriter, r *http.Request) {
	ref := pathParam(r, "ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing position ref")
		return
	}

	legs, err := h.positions.SubOrders(r.Context(), ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: list sub-orders failed",
			slog.String("position_ref", ref),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list sub-orders")
		return
	}

	out := make([]subOrderResponse, 0, len(legs))
	for _, leg := range legs {
		out = append(out, toSubOrderResponse(leg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sub_orders": out})
}

// AmendPlan replaces a position's remaining exit plan.
// PUT /api/v1/positions/{ref}/plan
func (h *PositionHandler) AmendPlan(w http.ResponseWriter, r *http.Request) {
	ref := pathParam(r, "ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing position ref")
		return
	}

	var req service.AmendPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	legs, err := h.plans.AmendPlan(r.Context(), ref, &req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrPositionClosed):
			writeError(w, http.StatusNotFound, "position not found or closed")
		case errors.Is(err, domain.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrOverAllocated):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: amend plan failed",
				slog.String("position_ref", ref),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to amend plan")
		}
		return
	}

	out := make([]subOrderResponse, 0, len(legs))
	for _, leg := range legs {
		out = append(out, toSubOrderResponse(leg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sub_orders": out})
}

// ClosePosition flattens a position on demand.
// DELETE /api/v1/positions/{ref}
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	ref := pathParam(r, "ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing position ref")
		return
	}

	if err := h.positions.Close(r.Context(), ref); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("position_ref", ref),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close position")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "closed",
		"position_ref": ref,
	})
}
