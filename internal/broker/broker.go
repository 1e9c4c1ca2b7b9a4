// Package broker defines the opaque order-execution capability the engine
// submits triggered legs through, plus a simulated implementation for
// sandbox environments and tests.
package broker

import (
	"context"
	"errors"

	"github.com/at6132/com/internal/domain"
)

// ErrAmbiguous is returned when the broker call timed out or the transport
// failed after the request may have been accepted. The caller must reconcile
// by querying order status before assuming success or failure; it must never
// blindly re-submit.
var ErrAmbiguous = errors.New("broker: outcome ambiguous")

// Status is the broker-side disposition of a submitted order.
type Status string

const (
	StatusAccepted        Status = "ACCEPTED"
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

// Request is one order submission. ClientRef is the caller's stable
// reference (the leg or order ref) used for reconciliation after ambiguous
// outcomes.
type Request struct {
	ClientRef   string
	Symbol      string
	Side        domain.OrderSide
	Type        domain.OrderType
	QtyUnits    int64
	PriceTicks  int64
	StopTicks   int64
	TimeInForce domain.TimeInForce
	ReduceOnly  bool
	PostOnly    bool
}

// Result is the broker's response to a submission or status query.
type Result struct {
	BrokerOrderID string
	Status        Status
	FilledUnits   int64
	AvgPriceTicks int64
	Retryable     bool
	Reason        string
}

// Broker is the execution capability. Calls may block or be slow; callers
// must not hold per-position serialization locks across them.
type Broker interface {
	PlaceOrder(ctx context.Context, req Request) (Result, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrder reconciles an order by its client reference. It returns
	// domain.ErrNotFound when the broker never accepted the submission.
	GetOrder(ctx context.Context, clientRef string) (Result, error)

	// MarketData returns the broker's current view of an instrument.
	MarketData(ctx context.Context, symbol string) (domain.Snapshot, error)
}
