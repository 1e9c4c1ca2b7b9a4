// Package engine implements the exit-plan execution core: trigger
// evaluation, per-position leg scheduling, allocation bookkeeping, and
// after-fill action chaining.
package engine

import (
	"github.com/at6132/com/internal/domain"
)

// Decision is the outcome of one trigger evaluation.
type Decision int

const (
	// DecisionNotArmed means the trigger has no usable market data yet or
	// could not resolve its target; the leg stays out of the firing path.
	DecisionNotArmed Decision = iota

	// DecisionArmed means the trigger is tracking but its condition does
	// not hold.
	DecisionArmed

	// DecisionFired means the condition holds and the leg should execute.
	DecisionFired
)

func (d Decision) String() string {
	switch d {
	case DecisionArmed:
		return "armed"
	case DecisionFired:
		return "fired"
	default:
		return "not_armed"
	}
}

// Evaluate runs one evaluation pass of a leg's trigger against a market
// snapshot. It mutates the trigger's persistent state (arming, watermark,
// ratcheted target) in place. The second return value reports a data gap:
// the snapshot lacked the requested price type, so the trigger neither armed
// nor fired on this pass.
//
// Direction conventions, for a position opened with side:
//   - long (BUY entry):  TP fires when price >= target, SL when price <= target
//   - short (SELL entry): inverse
//
// TRAIL keeps a favorable-only watermark and fires when price retraces from
// it by the configured offset. RATCHET additionally advances the effective
// target each time the watermark improves, and never relaxes it.
func Evaluate(side domain.OrderSide, kind domain.LegKind, trg *domain.Trigger, entryTicks int64, snap domain.Snapshot) (Decision, bool) {
	price, ok := snap.PriceFor(trg.PriceType)
	if !ok {
		return DecisionNotArmed, true
	}

	if !trg.Armed {
		arm(trg, side, kind, entryTicks, price)
	}

	switch trg.Mode {
	case domain.TriggerPrice, domain.TriggerPercentFromEntry:
		if crossed(side, kind, price, trg.ArmedTicks) {
			return DecisionFired, false
		}
		return DecisionArmed, false

	case domain.TriggerTrail:
		advanceWatermark(trg, side, price)
		if retraced(side, price, trg.WatermarkTicks, trg.ValueTicks) {
			return DecisionFired, false
		}
		return DecisionArmed, false

	case domain.TriggerRatchet:
		if advanceWatermark(trg, side, price) {
			ratchet(trg, side)
		}
		if crossedProtective(side, price, trg.ArmedTicks) {
			return DecisionFired, false
		}
		return DecisionArmed, false
	}

	return DecisionNotArmed, false
}

// arm resolves the trigger's absolute target and seeds trailing state. For
// PERCENT_FROM_ENTRY the target is fixed at arm time from the entry price;
// it then behaves exactly like PRICE.
func arm(trg *domain.Trigger, side domain.OrderSide, kind domain.LegKind, entryTicks, price int64) {
	switch trg.Mode {
	case domain.TriggerPrice:
		trg.ArmedTicks = trg.ValueTicks

	case domain.TriggerPercentFromEntry:
		frac := trg.Percent / 100
		up := kind == domain.LegKindTakeProfit
		if side == domain.OrderSideSell {
			up = !up
		}
		if up {
			trg.ArmedTicks = entryTicks + int64(float64(entryTicks)*frac)
		} else {
			trg.ArmedTicks = entryTicks - int64(float64(entryTicks)*frac)
		}

	case domain.TriggerTrail:
		trg.WatermarkTicks = price

	case domain.TriggerRatchet:
		trg.WatermarkTicks = price
		if side == domain.OrderSideBuy {
			trg.ArmedTicks = price - trg.ValueTicks
		} else {
			trg.ArmedTicks = price + trg.ValueTicks
		}
	}
	trg.Armed = true
}

// crossed reports whether price satisfies the side/kind-appropriate
// comparison against target.
func crossed(side domain.OrderSide, kind domain.LegKind, price, target int64) bool {
	above := price >= target
	if side == domain.OrderSideBuy {
		if kind == domain.LegKindTakeProfit {
			return above
		}
		return price <= target
	}
	// Short position: TP below, SL above.
	if kind == domain.LegKindTakeProfit {
		return price <= target
	}
	return above
}

// crossedProtective is the stop comparison for ratchet targets: fire when
// price falls back through the target (long) or rises through it (short).
func crossedProtective(side domain.OrderSide, price, target int64) bool {
	if side == domain.OrderSideBuy {
		return price <= target
	}
	return price >= target
}

// advanceWatermark moves the watermark in the favorable direction only.
// It returns true when the watermark improved.
func advanceWatermark(trg *domain.Trigger, side domain.OrderSide, price int64) bool {
	if side == domain.OrderSideBuy {
		if price > trg.WatermarkTicks {
			trg.WatermarkTicks = price
			return true
		}
		return false
	}
	if price < trg.WatermarkTicks {
		trg.WatermarkTicks = price
		return true
	}
	return false
}

// retraced reports whether price has pulled back from the watermark by at
// least offset ticks.
func retraced(side domain.OrderSide, price, watermark, offset int64) bool {
	if side == domain.OrderSideBuy {
		return price <= watermark-offset
	}
	return price >= watermark+offset
}

// ratchet advances the effective target to track the new watermark. The
// target only ever tightens; it never relaxes backward even when price
// later retraces without firing.
func ratchet(trg *domain.Trigger, side domain.OrderSide) {
	if side == domain.OrderSideBuy {
		if t := trg.WatermarkTicks - trg.ValueTicks; t > trg.ArmedTicks {
			trg.ArmedTicks = t
		}
		return
	}
	if t := trg.WatermarkTicks + trg.ValueTicks; t < trg.ArmedTicks {
		trg.ArmedTicks = t
	}
}
