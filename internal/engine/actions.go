package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/at6132/com/internal/domain"
)

// applyAfterFillActions runs the mutations a leg declared for its own full
// fill. It executes under the position lock, synchronously, before any
// later snapshot evaluates the position. Every action is idempotent so the
// restart repair pass can replay them safely.
func (s *Scheduler) applyAfterFillActions(ctx context.Context, book *positionBook, leg *domain.Leg) {
	created := 0
	for _, action := range leg.Actions {
		switch action.Type {
		case domain.ActionSetSLToBreakeven:
			s.setSLToBreakeven(ctx, book)
		case domain.ActionStartTrailingSL:
			s.startTrailingSL(ctx, book, action.TrailOffsetTicks)
		case domain.ActionCreateNewLeg:
			if action.NewLeg == nil {
				continue
			}
			if created >= s.cfg.MaxLegCreatesPerFill {
				s.logger.Warn("scheduler: leg-create cap reached, action skipped",
					slog.String("position_ref", book.pos.Ref),
					slog.String("leg_ref", leg.Ref),
				)
				continue
			}
			if s.createLeg(ctx, book, leg, *action.NewLeg) {
				created++
			}
		default:
			s.logger.Warn("scheduler: unknown after-fill action ignored",
				slog.String("leg_ref", leg.Ref),
				slog.String("action", string(action.Type)),
			)
		}
	}
}

// setSLToBreakeven moves every active stop-loss trigger to the entry price
// plus a small favorable buffer that covers round-trip fees. Already-moved
// stops are left alone. When the plan carries no active stop at all, one is
// created over the full unreserved remainder so the position cannot be left
// unprotected.
func (s *Scheduler) setSLToBreakeven(ctx context.Context, book *positionBook) {
	target := breakevenTicks(book.pos, s.cfg.BreakevenBufferBps)

	moved := false
	for _, sl := range book.legs {
		if sl.Kind != domain.LegKindStopLoss || !sl.Active() || sl.State == domain.LegStateFiring {
			continue
		}
		moved = true
		if sl.Trigger.Mode == domain.TriggerPrice && sl.Trigger.ValueTicks == target {
			continue
		}
		sl.Trigger = domain.Trigger{
			Mode:       domain.TriggerPrice,
			PriceType:  sl.Trigger.PriceType,
			ValueTicks: target,
			Armed:      true,
			ArmedTicks: target,
		}
		s.persistLeg(ctx, sl)

		s.logger.Info("scheduler: stop moved to breakeven",
			slog.String("position_ref", book.pos.Ref),
			slog.String("leg_ref", sl.Ref),
			slog.Int64("trigger_ticks", target),
		)
	}
	if moved {
		return
	}

	s.adoptLeg(ctx, book, domain.LegTemplate{
		Kind:  domain.LegKindStopLoss,
		Label: "breakeven-stop",
		Allocation: domain.Allocation{
			Type:  domain.AllocationPercentage,
			Value: 100,
		},
		Trigger: domain.Trigger{
			Mode:       domain.TriggerPrice,
			PriceType:  domain.PriceMark,
			ValueTicks: target,
			Armed:      true,
			ArmedTicks: target,
		},
		Exec: domain.ExecSpec{OrderType: domain.OrderTypeMarket},
	})
}

// startTrailingSL converts active stop-loss triggers to trailing mode,
// seeding the watermark from the last seen price so the trail measures
// retracement from now, not from entry. A stop already trailing at the same
// offset is untouched.
func (s *Scheduler) startTrailingSL(ctx context.Context, book *positionBook, offsetTicks int64) {
	seed, ok := book.lastSnap.PriceFor(domain.PriceMark)
	if !ok {
		seed = book.pos.EntryTicks
	}

	converted := false
	for _, sl := range book.legs {
		if sl.Kind != domain.LegKindStopLoss || !sl.Active() || sl.State == domain.LegStateFiring {
			continue
		}
		converted = true
		if sl.Trigger.Mode == domain.TriggerTrail && sl.Trigger.ValueTicks == offsetTicks {
			continue
		}
		sl.Trigger = domain.Trigger{
			Mode:           domain.TriggerTrail,
			PriceType:      sl.Trigger.PriceType,
			ValueTicks:     offsetTicks,
			Armed:          true,
			WatermarkTicks: seed,
		}
		if sl.Trigger.PriceType == "" {
			sl.Trigger.PriceType = domain.PriceMark
		}
		s.persistLeg(ctx, sl)

		s.logger.Info("scheduler: stop converted to trailing",
			slog.String("position_ref", book.pos.Ref),
			slog.String("leg_ref", sl.Ref),
			slog.Int64("offset_ticks", offsetTicks),
		)
	}
	if converted {
		return
	}

	s.adoptLeg(ctx, book, domain.LegTemplate{
		Kind:  domain.LegKindStopLoss,
		Label: "trailing-stop",
		Allocation: domain.Allocation{
			Type:  domain.AllocationPercentage,
			Value: 100,
		},
		Trigger: domain.Trigger{
			Mode:           domain.TriggerTrail,
			PriceType:      domain.PriceMark,
			ValueTicks:     offsetTicks,
			Armed:          true,
			WatermarkTicks: seed,
		},
		Exec: domain.ExecSpec{OrderType: domain.OrderTypeMarket},
	})
}

// createLeg admits one action-created leg through the same reservation gate
// as plan attachment. Reports whether a leg was created.
func (s *Scheduler) createLeg(ctx context.Context, book *positionBook, origin *domain.Leg, tpl domain.LegTemplate) bool {
	leg := s.adoptLeg(ctx, book, tpl)
	if leg == nil {
		s.logger.Warn("scheduler: action-created leg rejected by ledger",
			slog.String("position_ref", book.pos.Ref),
			slog.String("origin_leg_ref", origin.Ref),
			slog.String("label", tpl.Label),
		)
		return false
	}
	leg.OrderRef = origin.OrderRef
	s.persistLeg(ctx, leg)
	return true
}

// adoptLeg reserves allocation for a template against the remaining
// position quantity and adds the resulting leg to the book. Returns nil
// when the ledger has nothing left to grant.
func (s *Scheduler) adoptLeg(ctx context.Context, book *positionBook, tpl domain.LegTemplate) *domain.Leg {
	requested := resolveAllocation(tpl.Allocation, book.pos)
	if tpl.Allocation.Type == domain.AllocationPercentage && tpl.Allocation.Value >= 100 {
		// "Everything left" templates take whatever is unreserved rather
		// than the attach-time baseline.
		requested = book.pos.AttachQtyUnits
	}

	ref := uuid.New().String()
	granted, err := s.ledger.Reserve(book.pos.Ref, ref, tpl.Kind, requested)
	if err != nil {
		return nil
	}

	leg := &domain.Leg{
		Ref:           ref,
		PositionRef:   book.pos.Ref,
		Kind:          tpl.Kind,
		Label:         tpl.Label,
		Seq:           len(book.legs),
		Allocation:    tpl.Allocation,
		Trigger:       tpl.Trigger,
		Exec:          tpl.Exec,
		Actions:       tpl.Actions,
		State:         domain.LegStatePending,
		ReservedUnits: granted,
	}
	if leg.Trigger.Armed {
		leg.State = domain.LegStateArmed
	}
	book.legs = append(book.legs, leg)

	if err := s.legs.Create(ctx, *leg); err != nil {
		s.logger.Error("scheduler: persist created leg failed",
			slog.String("leg_ref", leg.Ref),
			slog.String("error", err.Error()),
		)
	}

	s.events.Emit(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        domain.EventOrderUpdate,
		StrategyID:  book.pos.StrategyID,
		PositionRef: book.pos.Ref,
		LegRef:      leg.Ref,
		State:       string(leg.State),
		Details:     map[string]any{"label": leg.Label, "kind": string(leg.Kind)},
		OccurredAt:  time.Now().UTC(),
	})
	return leg
}

// breakevenTicks is the entry price shifted in the favorable direction by
// the fee buffer, so a breakeven exit does not realize a small loss to
// round-trip fees.
func breakevenTicks(pos domain.Position, bps float64) int64 {
	buf := int64(float64(pos.EntryTicks)*bps/10000 + 0.5)
	if pos.Side == domain.OrderSideBuy {
		return pos.EntryTicks + buf
	}
	return pos.EntryTicks - buf
}
