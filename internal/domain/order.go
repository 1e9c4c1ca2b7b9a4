package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce is the order lifetime policy.
type TimeInForce string

const (
	TIFGoodTillCancelled TimeInForce = "GTC"
	TIFDay               TimeInForce = "DAY"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
	TIFGoodTillDate      TimeInForce = "GTD"
)

// OrderState tracks the parent order lifecycle.
type OrderState string

const (
	OrderStateNew             OrderState = "NEW"
	OrderStateAccepted        OrderState = "ACCEPTED"
	OrderStateWorking         OrderState = "WORKING"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
)

// OrderFlags carries the order modifiers from the submission schema.
type OrderFlags struct {
	PostOnly          bool
	ReduceOnly        bool
	Hidden            bool
	AllowPartialFills bool
}

// Order is the immutable parent intent: instrument, side, quantity, execution
// parameters, and an optional exit plan. It is identified by a server-assigned
// reference and a caller-supplied idempotency key (unique per strategy).
type Order struct {
	Ref            string
	IdempotencyKey string
	StrategyID     string
	InstanceID     string
	Owner          string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	QtyUnits       int64 // fixed-point: quantity * 1e6
	PriceTicks     int64 // fixed-point: limit price * 1e6, 0 when unset
	StopTicks      int64 // fixed-point: stop price * 1e6, 0 when unset
	TimeInForce    TimeInForce
	Flags          OrderFlags
	Leverage       float64
	State          OrderState
	PositionRef    string
	ExitPlan       *ExitPlan
	FilledUnits    int64
	AvgFillTicks   int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Qty returns the float64 display quantity from fixed-point units.
func (o Order) Qty() float64 {
	return float64(o.QtyUnits) / 1e6
}

// Price returns the float64 display limit price from fixed-point ticks.
func (o Order) Price() float64 {
	return float64(o.PriceTicks) / 1e6
}

// Terminal reports whether the order can no longer transition.
func (o Order) Terminal() bool {
	switch o.State {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	}
	return false
}

// Ticks converts a display price to fixed-point ticks.
func Ticks(price float64) int64 {
	if price >= 0 {
		return int64(price*1e6 + 0.5)
	}
	return int64(price*1e6 - 0.5)
}

// Units converts a display quantity to fixed-point units.
func Units(qty float64) int64 {
	if qty >= 0 {
		return int64(qty*1e6 + 0.5)
	}
	return int64(qty*1e6 - 0.5)
}
