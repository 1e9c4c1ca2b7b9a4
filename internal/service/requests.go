// Package service implements the application services: order admission,
// position queries, and event fan-out.
package service

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/at6132/com/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PlaceOrderRequest is the order submission schema. All prices and
// quantities arrive as decimals and are converted to fixed-point once, at
// the admission boundary.
type PlaceOrderRequest struct {
	IdempotencyKey string  `json:"idempotency_key" validate:"required,max=128"`
	StrategyID     string  `json:"strategy_id" validate:"required,max=64"`
	InstanceID     string  `json:"instance_id" validate:"max=64"`
	Owner          string  `json:"owner" validate:"max=64"`
	Symbol         string  `json:"symbol" validate:"required,max=32"`
	Side           string  `json:"side" validate:"required,oneof=BUY SELL"`
	OrderType      string  `json:"order_type" validate:"required,oneof=MARKET LIMIT STOP STOP_LIMIT"`
	Qty            float64 `json:"qty" validate:"required,gt=0"`
	Price          float64 `json:"price" validate:"gte=0"`
	StopPrice      float64 `json:"stop_price" validate:"gte=0"`
	TimeInForce    string  `json:"time_in_force" validate:"omitempty,oneof=GTC DAY IOC FOK GTD"`
	Leverage       float64 `json:"leverage" validate:"gte=0,lte=125"`

	Flags    FlagsRequest     `json:"flags"`
	ExitPlan *ExitPlanRequest `json:"exit_plan"`
}

// FlagsRequest carries the order modifiers.
type FlagsRequest struct {
	PostOnly          bool `json:"post_only"`
	ReduceOnly        bool `json:"reduce_only"`
	Hidden            bool `json:"hidden"`
	AllowPartialFills bool `json:"allow_partial_fills"`
}

// ExitPlanRequest is the attached exit plan.
type ExitPlanRequest struct {
	Legs []LegRequest `json:"legs" validate:"required,min=1,max=16,dive"`
}

// LegRequest is one take-profit or stop-loss rule.
type LegRequest struct {
	Kind       string            `json:"kind" validate:"required,oneof=TP SL"`
	Label      string            `json:"label" validate:"max=64"`
	Allocation AllocationRequest `json:"allocation" validate:"required"`
	Trigger    TriggerRequest    `json:"trigger" validate:"required"`
	Exec       ExecRequest       `json:"exec"`
	Actions    []ActionRequest   `json:"after_fill_actions" validate:"max=8,dive"`
}

// AllocationRequest is the leg's share of the position.
type AllocationRequest struct {
	Type  string  `json:"type" validate:"required,oneof=percentage quantity notional"`
	Value float64 `json:"value" validate:"required,gt=0"`
}

// TriggerRequest is the leg's trigger condition.
type TriggerRequest struct {
	Mode      string  `json:"mode" validate:"required,oneof=PRICE PERCENT_FROM_ENTRY TRAIL RATCHET"`
	PriceType string  `json:"price_type" validate:"omitempty,oneof=MARK LAST BID ASK MID"`
	Value     float64 `json:"value" validate:"gte=0"`
	Percent   float64 `json:"percent" validate:"gte=0"`
}

// ExecRequest is how a fired leg is submitted.
type ExecRequest struct {
	OrderType   string  `json:"order_type" validate:"omitempty,oneof=MARKET LIMIT STOP STOP_LIMIT"`
	Price       float64 `json:"price" validate:"gte=0"`
	StopPrice   float64 `json:"stop_price" validate:"gte=0"`
	TimeInForce string  `json:"time_in_force" validate:"omitempty,oneof=GTC DAY IOC FOK GTD"`
}

// ActionRequest is one after-fill action.
type ActionRequest struct {
	Type        string      `json:"type" validate:"required,oneof=SET_SL_TO_BREAKEVEN START_TRAILING_SL CREATE_NEW_LEG"`
	TrailOffset float64     `json:"trail_offset" validate:"gte=0"`
	NewLeg      *LegRequest `json:"new_leg"`
}

// AmendPlanRequest replaces a position's exit plan.
type AmendPlanRequest struct {
	Legs []LegRequest `json:"legs" validate:"required,min=1,max=16,dive"`
}

// Validate runs tag validation plus the semantic checks tags cannot
// express: trigger parameters per mode, action payloads, and the static
// allocation bound.
func (r *PlaceOrderRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if r.OrderType == "LIMIT" || r.OrderType == "STOP_LIMIT" {
		if r.Price <= 0 {
			return fmt.Errorf("%w: %s order requires price", domain.ErrValidation, r.OrderType)
		}
	}
	if r.OrderType == "STOP" || r.OrderType == "STOP_LIMIT" {
		if r.StopPrice <= 0 {
			return fmt.Errorf("%w: %s order requires stop_price", domain.ErrValidation, r.OrderType)
		}
	}
	if r.ExitPlan != nil {
		if err := validateLegs(r.ExitPlan.Legs, r.Qty); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks an amend request against the position's current quantity.
func (r *AmendPlanRequest) Validate(positionQty float64) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return validateLegs(r.Legs, positionQty)
}

// validateLegs enforces the per-leg semantic rules and the static
// allocation bound over the whole plan. Take-profit and stop-loss legs are
// bounded separately: a full-size stop alongside take-profits covering the
// whole position is a valid plan, since only one side executes a given
// unit. The allocation ledger re-checks the bound at attach time; failing
// here keeps rejection ahead of any submission.
func validateLegs(legs []LegRequest, qty float64) error {
	pctTotal := make(map[string]float64)
	qtyTotal := make(map[string]float64)
	for i := range legs {
		leg := &legs[i]
		if err := validateTrigger(&leg.Trigger); err != nil {
			return fmt.Errorf("leg %d: %w", i, err)
		}
		for j := range leg.Actions {
			if err := validateAction(&leg.Actions[j], qty); err != nil {
				return fmt.Errorf("leg %d action %d: %w", i, j, err)
			}
		}
		switch leg.Allocation.Type {
		case "percentage":
			pctTotal[leg.Kind] += leg.Allocation.Value
		case "quantity":
			qtyTotal[leg.Kind] += leg.Allocation.Value
		}
	}
	for kind, total := range pctTotal {
		if total > 100 {
			return fmt.Errorf("%w: %s allocations total %.2f%%", domain.ErrOverAllocated, kind, total)
		}
	}
	for kind, total := range qtyTotal {
		if qty > 0 && total > qty {
			return fmt.Errorf("%w: %s quantity allocations total %f against %f", domain.ErrOverAllocated, kind, total, qty)
		}
	}
	return nil
}

func validateTrigger(t *TriggerRequest) error {
	switch t.Mode {
	case "PRICE":
		if t.Value <= 0 {
			return fmt.Errorf("%w: PRICE trigger requires value", domain.ErrValidation)
		}
	case "PERCENT_FROM_ENTRY":
		if t.Percent <= 0 {
			return fmt.Errorf("%w: PERCENT_FROM_ENTRY trigger requires percent", domain.ErrValidation)
		}
	case "TRAIL", "RATCHET":
		if t.Value <= 0 {
			return fmt.Errorf("%w: %s trigger requires a positive offset", domain.ErrValidation, t.Mode)
		}
	}
	return nil
}

func validateAction(a *ActionRequest, qty float64) error {
	switch a.Type {
	case "START_TRAILING_SL":
		if a.TrailOffset <= 0 {
			return fmt.Errorf("%w: START_TRAILING_SL requires trail_offset", domain.ErrValidation)
		}
	case "CREATE_NEW_LEG":
		if a.NewLeg == nil {
			return fmt.Errorf("%w: CREATE_NEW_LEG requires new_leg", domain.ErrValidation)
		}
		if err := validateTrigger(&a.NewLeg.Trigger); err != nil {
			return err
		}
		if a.NewLeg.Actions != nil {
			for j := range a.NewLeg.Actions {
				if err := validateAction(&a.NewLeg.Actions[j], qty); err != nil {
					return fmt.Errorf("new_leg action %d: %w", j, err)
				}
			}
		}
	}
	return nil
}

// toDomainLegs converts validated leg requests to domain legs.
func toDomainLegs(legs []LegRequest) []domain.Leg {
	out := make([]domain.Leg, len(legs))
	for i := range legs {
		out[i] = toDomainLeg(&legs[i])
	}
	return out
}

func toDomainLeg(r *LegRequest) domain.Leg {
	leg := domain.Leg{
		Kind:       domain.LegKind(r.Kind),
		Label:      r.Label,
		Allocation: toDomainAllocation(&r.Allocation),
		Trigger:    toDomainTrigger(&r.Trigger),
		Exec:       toDomainExec(&r.Exec),
	}
	for i := range r.Actions {
		leg.Actions = append(leg.Actions, toDomainAction(&r.Actions[i]))
	}
	return leg
}

func toDomainAllocation(r *AllocationRequest) domain.Allocation {
	return domain.Allocation{
		Type:  domain.AllocationType(r.Type),
		Value: r.Value,
	}
}

func toDomainTrigger(r *TriggerRequest) domain.Trigger {
	priceType := domain.PriceType(r.PriceType)
	if priceType == "" {
		priceType = domain.PriceMark
	}
	return domain.Trigger{
		Mode:       domain.TriggerMode(r.Mode),
		PriceType:  priceType,
		ValueTicks: domain.Ticks(r.Value),
		Percent:    r.Percent,
	}
}

func toDomainExec(r *ExecRequest) domain.ExecSpec {
	orderType := domain.OrderType(r.OrderType)
	if orderType == "" {
		orderType = domain.OrderTypeMarket
	}
	tif := domain.TimeInForce(r.TimeInForce)
	if tif == "" {
		tif = domain.TIFGoodTillCancelled
	}
	return domain.ExecSpec{
		OrderType:   orderType,
		PriceTicks:  domain.Ticks(r.Price),
		StopTicks:   domain.Ticks(r.StopPrice),
		TimeInForce: tif,
	}
}

func toDomainAction(r *ActionRequest) domain.AfterFillAction {
	action := domain.AfterFillAction{
		Type:             domain.ActionType(r.Type),
		TrailOffsetTicks: domain.Ticks(r.TrailOffset),
	}
	if r.NewLeg != nil {
		leg := toDomainLeg(r.NewLeg)
		action.NewLeg = &domain.LegTemplate{
			Kind:       leg.Kind,
			Label:      leg.Label,
			Allocation: leg.Allocation,
			Trigger:    leg.Trigger,
			Exec:       leg.Exec,
			Actions:    leg.Actions,
		}
	}
	return action
}
