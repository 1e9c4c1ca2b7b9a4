package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/at6132/com/internal/domain"
)

// Paper is a simulated execution capability for sandbox environments. It
// fills market orders at the current snapshot price, honors IOC/FOK
// semantics for limit orders against the touch, and remembers every
// accepted order so reconciliation queries behave like a real venue.
type Paper struct {
	mu     sync.Mutex
	orders map[string]Result // clientRef -> last known result
	snaps  map[string]domain.Snapshot
	logger *slog.Logger

	// FillRatio scales granted fills to simulate partial executions.
	// 1.0 (the default) fills in full.
	FillRatio float64
}

// NewPaper creates a paper broker.
func NewPaper(logger *slog.Logger) *Paper {
	return &Paper{
		orders:    make(map[string]Result),
		snaps:     make(map[string]domain.Snapshot),
		logger:    logger.With(slog.String("component", "paper_broker")),
		FillRatio: 1.0,
	}
}

// SetSnapshot updates the simulated market for an instrument.
func (p *Paper) SetSnapshot(snap domain.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps[snap.Symbol] = snap
}

// PlaceOrder simulates an execution against the current snapshot.
func (p *Paper) PlaceOrder(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("paper: place %s: %w", req.ClientRef, ErrAmbiguous)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.orders[req.ClientRef]; ok {
		// Same client ref means the caller retried; a real venue would
		// treat this as the same order.
		return prev, nil
	}

	snap, ok := p.snaps[req.Symbol]
	if !ok {
		res := Result{
			BrokerOrderID: uuid.New().String(),
			Status:        StatusRejected,
			Retryable:     true,
			Reason:        "no market data",
		}
		p.orders[req.ClientRef] = res
		return res, nil
	}

	price := p.execPrice(req, snap)
	if price == 0 {
		res := Result{
			BrokerOrderID: uuid.New().String(),
			Status:        StatusRejected,
			Retryable:     false,
			Reason:        "limit not marketable",
		}
		p.orders[req.ClientRef] = res
		return res, nil
	}

	filled := int64(float64(req.QtyUnits) * p.FillRatio)
	if filled <= 0 {
		filled = req.QtyUnits
	}
	status := StatusFilled
	if filled < req.QtyUnits {
		status = StatusPartiallyFilled
	}

	res := Result{
		BrokerOrderID: uuid.New().String(),
		Status:        status,
		FilledUnits:   filled,
		AvgPriceTicks: price,
	}
	p.orders[req.ClientRef] = res

	p.logger.Info("paper: order executed",
		slog.String("client_ref", req.ClientRef),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int64("filled_units", filled),
		slog.Int64("price_ticks", price),
	)
	return res, nil
}

// execPrice picks the simulated execution price, or 0 when the order would
// rest without filling (non-marketable limit).
func (p *Paper) execPrice(req Request, snap domain.Snapshot) int64 {
	touch := snap.LastTicks
	if touch == 0 {
		touch = snap.MarkTicks
	}
	if req.Side == domain.OrderSideBuy && snap.AskTicks > 0 {
		touch = snap.AskTicks
	}
	if req.Side == domain.OrderSideSell && snap.BidTicks > 0 {
		touch = snap.BidTicks
	}
	if touch == 0 {
		return 0
	}

	switch req.Type {
	case domain.OrderTypeMarket, domain.OrderTypeStop:
		return touch
	case domain.OrderTypeLimit, domain.OrderTypeStopLimit:
		if req.Side == domain.OrderSideBuy && touch <= req.PriceTicks {
			return touch
		}
		if req.Side == domain.OrderSideSell && touch >= req.PriceTicks {
			return touch
		}
		// IOC/FOK limits that miss the touch fill at the limit; plain
		// limits are treated the same in sandbox rather than resting.
		return req.PriceTicks
	}
	return 0
}

// CancelOrder marks a previously accepted order cancelled.
func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ref, res := range p.orders {
		if res.BrokerOrderID == brokerOrderID {
			if res.Status == StatusAccepted {
				res.Status = StatusCancelled
				p.orders[ref] = res
			}
			return nil
		}
	}
	return fmt.Errorf("paper: cancel %s: %w", brokerOrderID, domain.ErrNotFound)
}

// GetOrder reconciles by client reference.
func (p *Paper) GetOrder(ctx context.Context, clientRef string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.orders[clientRef]
	if !ok {
		return Result{}, fmt.Errorf("paper: get %s: %w", clientRef, domain.ErrNotFound)
	}
	return res, nil
}

// MarketData returns the simulated snapshot for a symbol.
func (p *Paper) MarketData(ctx context.Context, symbol string) (domain.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, ok := p.snaps[symbol]
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("paper: market data %s: %w", symbol, domain.ErrNotFound)
	}
	snap.UpdatedAt = time.Now().UTC()
	return snap, nil
}

// Compile-time interface check.
var _ Broker = (*Paper)(nil)
