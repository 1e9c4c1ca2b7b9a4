package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/at6132/com/internal/domain"
	"github.com/at6132/com/internal/service"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	PlaceOrder(ctx context.Context, req *service.PlaceOrderRequest) (domain.Order, error)
	GetOrder(ctx context.Context, ref string) (domain.Order, error)
	CancelOrder(ctx context.Context, ref string) (domain.Order, error)
}

// OrderHandler serves order admission and lifecycle endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

// orderResponse is the wire shape of an admitted order.
type orderResponse struct {
	OrderRef    string  `json:"order_ref"`
	PositionRef string  `json:"position_ref,omitempty"`
	State       string  `json:"state"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Qty         float64 `json:"qty"`
	FilledQty   float64 `json:"filled_qty"`
	AvgFill     float64 `json:"avg_fill_price,omitempty"`
}

func toOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		OrderRef:    o.Ref,
		PositionRef: o.PositionRef,
		State:       string(o.State),
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		Qty:         o.Qty(),
		FilledQty:   float64(o.FilledUnits) / 1e6,
		AvgFill:     float64(o.AvgFillTicks) / 1e6,
	}
}

// PlaceOrder admits a new order with its exit plan.
// POST /api/v1/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req service.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	order, err := h.orders.PlaceOrder(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		case errors.Is(err, domain.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrOverAllocated):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, domain.ErrDuplicateIntent):
			writeError(w, http.StatusConflict, "idempotency key reused with a different payload")
		default:
			h.logger.ErrorContext(r.Context(), "handler: place order failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to place order")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrder returns an order by reference.
// GET /api/v1/orders/{ref}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ref := pathParam(r, "ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing order ref")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get order failed",
			slog.String("order_ref", ref),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// CancelOrder cancels an order's remaining exit plan.
// DELETE /api/v1/orders/{ref}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ref := pathParam(r, "ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing order ref")
		return
	}

	order, err := h.orders.CancelOrder(r.Context(), ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
			slog.String("order_ref", ref),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}
