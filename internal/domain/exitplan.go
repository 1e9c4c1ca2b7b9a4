package domain

// LegKind distinguishes take-profit and stop-loss legs.
type LegKind string

const (
	LegKindTakeProfit LegKind = "TP"
	LegKindStopLoss   LegKind = "SL"
)

// LegState tracks the exit-leg lifecycle. A leg transitions to FIRING only
// when its trigger fires; it may re-enter ARMED when the broker rejects the
// triggering order with a retryable reason, and moves to CANCELLED when the
// parent position is closed externally.
type LegState string

const (
	LegStatePending         LegState = "PENDING"
	LegStateArmed           LegState = "ARMED"
	LegStateFiring          LegState = "FIRING"
	LegStatePartiallyFilled LegState = "PARTIALLY_FILLED"
	LegStateFilled          LegState = "FILLED"
	LegStateCancelled       LegState = "CANCELLED"
)

// AllocationType is how a leg's share of the position is expressed.
type AllocationType string

const (
	AllocationPercentage AllocationType = "percentage"
	AllocationQuantity   AllocationType = "quantity"
	AllocationNotional   AllocationType = "notional"
)

// Allocation is the portion of a position a leg is entitled to close.
// Percentage allocations resolve against the position quantity at
// plan-attach time, never against a moving baseline.
type Allocation struct {
	Type  AllocationType
	Value float64
}

// TriggerMode selects the trigger evaluation rule.
type TriggerMode string

const (
	TriggerPrice            TriggerMode = "PRICE"
	TriggerPercentFromEntry TriggerMode = "PERCENT_FROM_ENTRY"
	TriggerTrail            TriggerMode = "TRAIL"
	TriggerRatchet          TriggerMode = "RATCHET"
)

// PriceType selects which market price a trigger reads.
type PriceType string

const (
	PriceMark PriceType = "MARK"
	PriceLast PriceType = "LAST"
	PriceBid  PriceType = "BID"
	PriceAsk  PriceType = "ASK"
	PriceMid  PriceType = "MID"
)

// Trigger is the condition under which a leg transitions to execution.
// The ArmedTicks and WatermarkTicks fields are mutable evaluation state that
// persists across evaluation calls for the life of the leg: ArmedTicks is the
// resolved absolute trigger price (PERCENT_FROM_ENTRY resolves at arm time;
// RATCHET moves it monotonically in the favorable direction), and
// WatermarkTicks is the best price seen since arming for TRAIL and RATCHET.
type Trigger struct {
	Mode      TriggerMode
	PriceType PriceType

	// ValueTicks is the configured absolute price (PRICE) or the
	// retrace/offset distance (TRAIL, RATCHET), in ticks.
	ValueTicks int64

	// Percent is the configured distance from entry for PERCENT_FROM_ENTRY.
	Percent float64

	// Mutable evaluation state.
	Armed          bool
	ArmedTicks     int64
	WatermarkTicks int64
}

// ExecSpec is how a fired leg is submitted to the execution capability.
type ExecSpec struct {
	OrderType   OrderType
	PriceTicks  int64
	StopTicks   int64
	TimeInForce TimeInForce
}

// ActionType enumerates the supported after-fill actions.
type ActionType string

const (
	ActionSetSLToBreakeven ActionType = "SET_SL_TO_BREAKEVEN"
	ActionStartTrailingSL  ActionType = "START_TRAILING_SL"
	ActionCreateNewLeg     ActionType = "CREATE_NEW_LEG"
)

// AfterFillAction is an automated follow-up effect applied exactly once,
// synchronously, after the declaring leg reaches FILLED.
type AfterFillAction struct {
	Type ActionType

	// TrailOffsetTicks is the retrace distance for START_TRAILING_SL.
	TrailOffsetTicks int64

	// NewLeg carries the leg parameters for CREATE_NEW_LEG.
	NewLeg *LegTemplate
}

// LegTemplate is the caller-specified shape of a leg created by a
// CREATE_NEW_LEG action. It is subject to the same allocation-ledger
// reservation check as plan admission.
type LegTemplate struct {
	Kind       LegKind
	Label      string
	Allocation Allocation
	Trigger    Trigger
	Exec       ExecSpec
	Actions    []AfterFillAction
}

// Leg is one take-profit or stop-loss rule within an exit plan, with its own
// trigger, execution spec, allocation, and after-fill actions.
type Leg struct {
	Ref         string
	OrderRef    string
	PositionRef string
	Kind        LegKind
	Label       string
	Seq         int // declaration order within the plan
	Allocation  Allocation
	Trigger     Trigger
	Exec        ExecSpec
	Actions     []AfterFillAction
	State       LegState

	// ReservedUnits is the quantity granted by the allocation ledger at
	// attach time; FilledUnits accumulates confirmed fills.
	ReservedUnits int64
	FilledUnits   int64

	BrokerOrderID string
	Retries       int
	CancelReason  ReasonCode

	// ActionsApplied records whether the leg's after-fill actions have run.
	// A FILLED leg with this unset marks a crash between fill commit and
	// action application; restart repair reapplies the actions, which are
	// idempotent.
	ActionsApplied bool
}

// RemainingUnits is the reserved quantity not yet confirmed filled.
func (l Leg) RemainingUnits() int64 {
	r := l.ReservedUnits - l.FilledUnits
	if r < 0 {
		return 0
	}
	return r
}

// Active reports whether the leg still participates in evaluation.
func (l Leg) Active() bool {
	switch l.State {
	case LegStatePending, LegStateArmed, LegStateFiring, LegStatePartiallyFilled:
		return true
	}
	return false
}

// ExitPlan is an ordered sequence of exit legs owned by exactly one order.
type ExitPlan struct {
	Legs []Leg
}
