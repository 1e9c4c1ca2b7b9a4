package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/at6132/com/internal/domain"
	"github.com/at6132/com/internal/service"
)

type fakeOrderService struct {
	placed    *service.PlaceOrderRequest
	placeErr  error
	order     domain.Order
	cancelErr error
}

func (f *fakeOrderService) PlaceOrder(_ context.Context, req *service.PlaceOrderRequest) (domain.Order, error) {
	f.placed = req
	return f.order, f.placeErr
}

func (f *fakeOrderService) GetOrder(_ context.Context, ref string) (domain.Order, error) {
	if ref != f.order.Ref {
		return domain.Order{}, domain.ErrNotFound
	}
	return f.order, nil
}

func (f *fakeOrderService) CancelOrder(_ context.Context, ref string) (domain.Order, error) {
	if f.cancelErr != nil {
		return domain.Order{}, f.cancelErr
	}
	out := f.order
	out.State = domain.OrderStateCancelled
	return out, nil
}

type fakePositionService struct {
	pos      domain.Position
	legs     []domain.Leg
	closeErr error
}

func (f *fakePositionService) Get(_ context.Context, ref string) (domain.Position, error) {
	if ref != f.pos.Ref {
		return domain.Position{}, domain.ErrNotFound
	}
	return f.pos, nil
}

func (f *fakePositionService) SubOrders(_ context.Context, positionRef string) ([]domain.Leg, error) {
	if positionRef != f.pos.Ref {
		return nil, domain.ErrNotFound
	}
	return f.legs, nil
}

func (f *fakePositionService) ListOpen(context.Context) ([]domain.Position, error) {
	return []domain.Position{f.pos}, nil
}

func (f *fakePositionService) Close(_ context.Context, ref string) error {
	if ref != f.pos.Ref {
		return domain.ErrNotFound
	}
	return f.closeErr
}

type fakePlanService struct {
	amendErr error
	legs     []domain.Leg
}

func (f *fakePlanService) AmendPlan(_ context.Context, _ string, _ *service.AmendPlanRequest) ([]domain.Leg, error) {
	return f.legs, f.amendErr
}

type fakeEventService struct {
	events []domain.Event
	gotID  string
}

func (f *fakeEventService) ListRecent(_ context.Context, strategyID string, _ domain.ListOpts) ([]domain.Event, error) {
	f.gotID = strategyID
	return f.events, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMux(orders *fakeOrderService, positions *fakePositionService, plans *fakePlanService, events *fakeEventService) *http.ServeMux {
	mux := http.NewServeMux()
	oh := NewOrderHandler(orders, discardLogger())
	ph := NewPositionHandler(positions, plans, discardLogger())
	eh := NewEventHandler(events, discardLogger())
	mux.HandleFunc("POST /api/v1/orders", oh.PlaceOrder)
	mux.HandleFunc("GET /api/v1/orders/{ref}", oh.GetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{ref}", oh.CancelOrder)
	mux.HandleFunc("GET /api/v1/positions/{ref}", ph.GetPosition)
	mux.HandleFunc("GET /api/v1/positions/{ref}/suborders", ph.ListSubOrders)
	mux.HandleFunc("PUT /api/v1/positions/{ref}/plan", ph.AmendPlan)
	mux.HandleFunc("GET /api/v1/events", eh.ListEvents)
	return mux
}

func TestPlaceOrderEndpoint(t *testing.T) {
	orders := &fakeOrderService{order: domain.Order{
		Ref:         "ord-1",
		PositionRef: "pos-1",
		State:       domain.OrderStateFilled,
		Symbol:      "BTC-USDT",
		Side:        domain.OrderSideBuy,
		QtyUnits:    1_000_000,
		FilledUnits: 1_000_000,
	}}
	mux := testMux(orders, &fakePositionService{}, &fakePlanService{}, &fakeEventService{})

	body := `{"idempotency_key":"k1","strategy_id":"s1","symbol":"BTC-USDT","side":"BUY","order_type":"MARKET","qty":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OrderRef string `json:"order_ref"`
		State    string `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OrderRef != "ord-1" || resp.State != "FILLED" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if orders.placed == nil || orders.placed.IdempotencyKey != "k1" {
		t.Fatalf("service did not receive the request: %+v", orders.placed)
	}
}

func TestPlaceOrderEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", domain.ErrValidation, http.StatusBadRequest},
		{"over allocation", domain.ErrOverAllocated, http.StatusUnprocessableEntity},
		{"duplicate intent", domain.ErrDuplicateIntent, http.StatusConflict},
		{"rate limited", service.ErrRateLimited, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := testMux(&fakeOrderService{placeErr: tc.err}, &fakePositionService{}, &fakePlanService{}, &fakeEventService{})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
		})
	}
}

func TestGetOrderEndpointNotFound(t *testing.T) {
	mux := testMux(&fakeOrderService{order: domain.Order{Ref: "ord-1"}}, &fakePositionService{}, &fakePlanService{}, &fakeEventService{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSubOrdersEndpoint(t *testing.T) {
	positions := &fakePositionService{
		pos: domain.Position{Ref: "pos-1", State: domain.PositionStateOpen},
		legs: []domain.Leg{
			{Ref: "leg-1", Kind: domain.LegKindTakeProfit, State: domain.LegStateArmed, ReservedUnits: 500_000},
			{Ref: "leg-2", Kind: domain.LegKindStopLoss, State: domain.LegStateArmed, ReservedUnits: 500_000},
		},
	}
	mux := testMux(&fakeOrderService{}, positions, &fakePlanService{}, &fakeEventService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/positions/pos-1/suborders", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SubOrders []struct {
			SubOrderRef string  `json:"sub_order_ref"`
			ReservedQty float64 `json:"reserved_qty"`
		} `json:"sub_orders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.SubOrders) != 2 {
		t.Fatalf("sub_orders = %d, want 2", len(resp.SubOrders))
	}
	if resp.SubOrders[0].ReservedQty != 0.5 {
		t.Fatalf("reserved_qty = %f, want 0.5", resp.SubOrders[0].ReservedQty)
	}
}

func TestAmendPlanEndpointOverAllocated(t *testing.T) {
	mux := testMux(&fakeOrderService{}, &fakePositionService{pos: domain.Position{Ref: "pos-1"}}, &fakePlanService{amendErr: domain.ErrOverAllocated}, &fakeEventService{})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/positions/pos-1/plan", strings.NewReader(`{"legs":[]}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestListEventsEndpoint(t *testing.T) {
	events := &fakeEventService{events: []domain.Event{
		{ID: "ev-1", Type: domain.EventFill, StrategyID: "s1", OccurredAt: time.Now().UTC()},
	}}
	mux := testMux(&fakeOrderService{}, &fakePositionService{}, &fakePlanService{}, events)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?strategy_id=s1&limit=10", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if events.gotID != "s1" {
		t.Fatalf("strategy id = %q, want s1", events.gotID)
	}
}

func TestListEventsEndpointRequiresStrategy(t *testing.T) {
	mux := testMux(&fakeOrderService{}, &fakePositionService{}, &fakePlanService{}, &fakeEventService{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
