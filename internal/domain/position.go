package domain

import "time"

// PositionState tracks whether a position is open, unwinding, or closed.
type PositionState string

const (
	PositionStateOpen    PositionState = "OPEN"
	PositionStateClosing PositionState = "CLOSING"
	PositionStateClosed  PositionState = "CLOSED"
)

// Position aggregates quantity and entry price for one strategy/instrument
// pair. It is mutated only by fills; when quantity reaches zero it is closed
// and all remaining exit legs for it are cancelled.
type Position struct {
	Ref        string
	StrategyID string
	Symbol     string
	Side       OrderSide // direction of the entry order
	State      PositionState
	EntryTicks int64 // average entry price * 1e6
	QtyUnits   int64 // current net quantity * 1e6

	// AttachQtyUnits is the position quantity when the exit plan attached.
	// Percentage allocations resolve against this baseline for the life of
	// the plan.
	AttachQtyUnits int64

	Leverage float64
	OpenedAt time.Time
	ClosedAt *time.Time
}

// Entry returns the float64 display entry price.
func (p Position) Entry() float64 {
	return float64(p.EntryTicks) / 1e6
}

// Qty returns the float64 display net quantity.
func (p Position) Qty() float64 {
	return float64(p.QtyUnits) / 1e6
}

// Fill is one confirmed execution against a leg or parent order.
type Fill struct {
	OrderRef      string
	LegRef        string
	PositionRef   string
	BrokerOrderID string
	QtyUnits      int64
	PriceTicks    int64
	OccurredAt    time.Time
}
