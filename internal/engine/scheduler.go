package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/at6132/com/internal/broker"
	"github.com/at6132/com/internal/domain"
)

// EventSink receives engine state transitions for fan-out and journaling.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event)
}

// Config tunes scheduler behavior.
type Config struct {
	// SubmitTimeout bounds each execution-capability call.
	SubmitTimeout time.Duration

	// MaxRetries is how many times a retryable broker rejection returns a
	// leg to ARMED before it is cancelled.
	MaxRetries int

	// MaxLegCreatesPerFill bounds chained CREATE_NEW_LEG applications for
	// a single fill event.
	MaxLegCreatesPerFill int

	// BreakevenBufferBps offsets SET_SL_TO_BREAKEVEN targets from entry in
	// the favorable direction to cover fees.
	BreakevenBufferBps float64
}

func (c *Config) defaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.MaxLegCreatesPerFill <= 0 {
		c.MaxLegCreatesPerFill = 3
	}
	if c.BreakevenBufferBps <= 0 {
		c.BreakevenBufferBps = 10 // 0.1% round-trip fee cover
	}
}

// Scheduler owns the lifecycle of all exit legs across positions. Each
// position's evaluation is serialized behind its own lock while distinct
// positions evaluate in parallel; the allocation ledger and the persisted
// order/position state machine are the only shared mutable state.
type Scheduler struct {
	cfg    Config
	exec   broker.Broker
	ledger *Ledger
	posns  domain.PositionStore
	legs   domain.LegStore
	events EventSink
	logger *slog.Logger

	mu    sync.RWMutex
	books map[string]*positionBook // positionRef -> book

	dataGaps atomic.Int64
}

// positionBook is the serialized per-position working set. All leg
// transitions for the position happen under its lock, except the broker
// submission itself.
type positionBook struct {
	mu          sync.Mutex
	pos         domain.Position
	legs        []*domain.Leg
	lastSnap    domain.Snapshot
	quarantined bool
}

// NewScheduler creates a scheduler over the given stores and execution
// capability.
func NewScheduler(cfg Config, exec broker.Broker, ledger *Ledger, posns domain.PositionStore, legs domain.LegStore, events EventSink, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:    cfg,
		exec:   exec,
		ledger: ledger,
		posns:  posns,
		legs:   legs,
		events: events,
		logger: logger.With(slog.String("component", "scheduler")),
		books:  make(map[string]*positionBook),
	}
}

// DataGaps returns the number of evaluations skipped for missing market
// data since start.
func (s *Scheduler) DataGaps() int64 {
	return s.dataGaps.Load()
}

// AttachPlan reserves allocations for every leg of a validated plan and
// registers the position for evaluation. Reservation failure rejects the
// whole plan and releases anything granted so far (fail fast at admission,
// never truncate at submission).
func (s *Scheduler) AttachPlan(ctx context.Context, pos domain.Position, legSpecs []domain.Leg) ([]domain.Leg, error) {
	s.ledger.Attach(pos.Ref, pos.AttachQtyUnits)

	attached := make([]*domain.Leg, 0, len(legSpecs))
	for i := range legSpecs {
		leg := legSpecs[i]
		leg.PositionRef = pos.Ref
		leg.Seq = i
		if leg.Ref == "" {
			leg.Ref = uuid.New().String()
		}

		requested := resolveAllocation(leg.Allocation, pos)
		granted, err := s.ledger.Reserve(pos.Ref, leg.Ref, leg.Kind, requested)
		if err == nil && granted < requested {
			s.ledger.Release(pos.Ref, leg.Ref)
			err = domain.ErrOverAllocated
		}
		if err != nil {
			for _, a := range attached {
				s.ledger.Release(pos.Ref, a.Ref)
			}
			s.ledger.Detach(pos.Ref)
			return nil, fmt.Errorf("scheduler: attach plan to %s: leg %q: %w", pos.Ref, leg.Label, err)
		}

		leg.ReservedUnits = granted
		leg.State = domain.LegStatePending
		attached = append(attached, &leg)
	}

	for _, leg := range attached {
		if err := s.legs.Create(ctx, *leg); err != nil {
			return nil, fmt.Errorf("scheduler: persist leg %s: %w", leg.Ref, err)
		}
	}

	book := &positionBook{pos: pos, legs: attached}
	s.mu.Lock()
	s.books[pos.Ref] = book
	s.mu.Unlock()

	out := make([]domain.Leg, len(attached))
	for i, leg := range attached {
		out[i] = *leg
	}

	s.logger.Info("scheduler: plan attached",
		slog.String("position_ref", pos.Ref),
		slog.String("symbol", pos.Symbol),
		slog.Int("legs", len(out)),
	)
	return out, nil
}

// resolveAllocation converts an allocation spec to fixed-point units against
// the attach-time baseline.
func resolveAllocation(a domain.Allocation, pos domain.Position) int64 {
	switch a.Type {
	case domain.AllocationPercentage:
		return int64(float64(pos.AttachQtyUnits) * a.Value / 100)
	case domain.AllocationQuantity:
		return domain.Units(a.Value)
	case domain.AllocationNotional:
		if pos.EntryTicks == 0 {
			return 0
		}
		return int64(a.Value / pos.Entry() * 1e6)
	}
	return 0
}

// OnSnapshot fans a market update out to every book on the instrument.
// Each book evaluates on its own goroutine so one slow position never
// stalls the rest of the feed.
func (s *Scheduler) OnSnapshot(ctx context.Context, snap domain.Snapshot) {
	s.mu.RLock()
	var targets []*positionBook
	for _, book := range s.books {
		if book.pos.Symbol == snap.Symbol {
			targets = append(targets, book)
		}
	}
	s.mu.RUnlock()

	for _, book := range targets {
		go s.evaluateBook(ctx, book, snap)
	}
}

// evaluateBook runs one serialized evaluation pass for a position. When
// several legs fire in the same pass, SL legs execute before TP legs
// (risk-reducing actions take priority) and declaration order breaks ties.
func (s *Scheduler) evaluateBook(ctx context.Context, book *positionBook, snap domain.Snapshot) {
	book.mu.Lock()
	defer book.mu.Unlock()

	if book.quarantined || book.pos.State != domain.PositionStateOpen {
		return
	}
	book.lastSnap = snap

	for _, leg := range book.legs {
		if leg.State == domain.LegStateFiring && leg.BrokerOrderID != "" {
			s.reconcileResting(ctx, book, leg)
		}
	}
	if book.quarantined || book.pos.State != domain.PositionStateOpen {
		return
	}

	var fired []*domain.Leg
	for _, leg := range book.legs {
		if leg.State != domain.LegStatePending && leg.State != domain.LegStateArmed &&
			leg.State != domain.LegStatePartiallyFilled {
			continue
		}

		decision, gap := Evaluate(book.pos.Side, leg.Kind, &leg.Trigger, book.pos.EntryTicks, snap)
		if gap {
			s.dataGaps.Add(1)
			continue
		}

		if leg.State == domain.LegStatePending && decision >= DecisionArmed {
			leg.State = domain.LegStateArmed
			s.persistLeg(ctx, leg)
		}
		if decision == DecisionFired {
			fired = append(fired, leg)
		}
	}

	if len(fired) == 0 {
		return
	}

	sort.SliceStable(fired, func(i, j int) bool {
		if fired[i].Kind != fired[j].Kind {
			return fired[i].Kind == domain.LegKindStopLoss
		}
		return fired[i].Seq < fired[j].Seq
	})

	for _, leg := range fired {
		if book.pos.State != domain.PositionStateOpen {
			break
		}
		// fireLeg releases the lock during the broker call, so an earlier
		// iteration or an overlapping pass may have transitioned this leg
		// since it was collected.
		if leg.State != domain.LegStateArmed && leg.State != domain.LegStatePartiallyFilled {
			continue
		}
		if leg.RemainingUnits() == 0 {
			continue
		}
		s.fireLeg(ctx, book, leg)
	}
}

// reconcileResting polls the venue for a leg whose submission was accepted
// but had not executed. FilledUnits and Retries never change while the leg
// is FIRING, so the attempt ref recomputes to the resting order's client
// reference.
func (s *Scheduler) reconcileResting(ctx context.Context, book *positionBook, leg *domain.Leg) {
	ref := attemptRef(leg)
	book.mu.Unlock()
	res, err := s.exec.GetOrder(ctx, ref)
	book.mu.Lock()

	if err != nil || leg.State != domain.LegStateFiring || book.pos.State != domain.PositionStateOpen {
		return
	}

	switch res.Status {
	case broker.StatusAccepted:
		// Still resting.
		return
	case broker.StatusPartiallyFilled:
		// Claw the unexecuted remainder back before accounting the fill so
		// a later refire never races the resting remainder.
		book.mu.Unlock()
		cerr := s.exec.CancelOrder(ctx, res.BrokerOrderID)
		book.mu.Lock()
		if cerr != nil || leg.State != domain.LegStateFiring || book.pos.State != domain.PositionStateOpen {
			return
		}
	}
	s.applyResult(ctx, book, leg, res)
}

// fireLeg executes one triggered leg. The position lock is released for the
// duration of the broker call: the allocation is already reserved, so no
// other leg can double-spend the quantity while the submission is in
// flight.
func (s *Scheduler) fireLeg(ctx context.Context, book *positionBook, leg *domain.Leg) {
	leg.State = domain.LegStateFiring
	s.persistLeg(ctx, leg)
	s.emitTriggered(ctx, book, leg)

	req := broker.Request{
		ClientRef:   attemptRef(leg),
		Symbol:      book.pos.Symbol,
		Side:        closingSide(book.pos.Side),
		Type:        leg.Exec.OrderType,
		QtyUnits:    leg.RemainingUnits(),
		PriceTicks:  leg.Exec.PriceTicks,
		StopTicks:   leg.Exec.StopTicks,
		TimeInForce: leg.Exec.TimeInForce,
		ReduceOnly:  true,
	}

	book.mu.Unlock()
	res, err := s.submit(ctx, req)
	book.mu.Lock()

	if err != nil {
		s.quarantine(ctx, book, leg, err)
		return
	}
	s.applyResult(ctx, book, leg, res)
}

// submit performs the broker call with a deadline, reconciling ambiguous
// outcomes by querying order status. A reconciled NotFound means the broker
// never saw the order; in that case the submission is retried exactly once.
// Anything still ambiguous after that surfaces as manual review.
func (s *Scheduler) submit(ctx context.Context, req broker.Request) (broker.Result, error) {
	res, err := s.placeOnce(ctx, req)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, broker.ErrAmbiguous) {
		return broker.Result{}, err
	}

	recon, rerr := s.exec.GetOrder(ctx, req.ClientRef)
	if rerr == nil {
		// The order exists broker-side; trust the reconciled state and
		// never double-submit.
		return recon, nil
	}
	if !errors.Is(rerr, domain.ErrNotFound) {
		return broker.Result{}, fmt.Errorf("scheduler: reconcile %s: %w", req.ClientRef, domain.ErrManualReview)
	}

	res, err = s.placeOnce(ctx, req)
	if err != nil {
		return broker.Result{}, fmt.Errorf("scheduler: resubmit %s: %w", req.ClientRef, domain.ErrManualReview)
	}
	return res, nil
}

func (s *Scheduler) placeOnce(ctx context.Context, req broker.Request) (broker.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	res, err := s.exec.PlaceOrder(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, broker.ErrAmbiguous) {
			return broker.Result{}, fmt.Errorf("scheduler: place %s: %w", req.ClientRef, broker.ErrAmbiguous)
		}
		return broker.Result{}, fmt.Errorf("scheduler: place %s: %w", req.ClientRef, err)
	}
	return res, nil
}

// applyResult folds a broker result back into the leg and position under
// the position lock.
func (s *Scheduler) applyResult(ctx context.Context, book *positionBook, leg *domain.Leg, res broker.Result) {
	leg.BrokerOrderID = res.BrokerOrderID

	switch res.Status {
	case broker.StatusRejected:
		s.handleRejection(ctx, book, leg, res)
		return
	case broker.StatusCancelled:
		leg.State = domain.LegStateCancelled
		leg.CancelReason = domain.ReasonBrokerRejected
		s.ledger.Release(book.pos.Ref, leg.Ref)
		s.persistLeg(ctx, leg)
		return
	case broker.StatusAccepted:
		// Resting order; stays FIRING until the venue reports a fill.
		s.persistLeg(ctx, leg)
		return
	}

	if res.FilledUnits <= 0 {
		s.quarantine(ctx, book, leg,
			fmt.Errorf("scheduler: %s fill with zero quantity: %w", leg.Ref, domain.ErrConsistency))
		return
	}

	cuts, err := s.ledger.CommitFill(book.pos.Ref, leg.Ref, res.FilledUnits)
	if err != nil {
		s.quarantine(ctx, book, leg, err)
		return
	}

	leg.FilledUnits += res.FilledUnits
	full := leg.FilledUnits >= leg.ReservedUnits
	if full {
		leg.State = domain.LegStateFilled
	} else {
		// Remaining allocation stays reserved for retry; after-fill
		// actions wait for the cumulative fill to reach it.
		leg.State = domain.LegStatePartiallyFilled
	}
	s.persistLeg(ctx, leg)
	s.applyCuts(ctx, book, cuts)

	book.pos.QtyUnits -= res.FilledUnits
	if book.pos.QtyUnits < 0 {
		s.quarantine(ctx, book, leg,
			fmt.Errorf("scheduler: position %s quantity below zero: %w", book.pos.Ref, domain.ErrConsistency))
		return
	}
	s.persistPosition(ctx, book)

	s.emitFill(ctx, book, leg, res, full)

	if full && !leg.ActionsApplied {
		s.applyAfterFillActions(ctx, book, leg)
		leg.ActionsApplied = true
		s.persistLeg(ctx, leg)
	}

	if book.pos.QtyUnits == 0 {
		s.closeLocked(ctx, book, domain.ReasonPositionClosed)
	}
}

// applyCuts syncs legs whose reservations the ledger trimmed because a fill
// on the opposite kind shrank the position under them.
func (s *Scheduler) applyCuts(ctx context.Context, book *positionBook, cuts []ReservationCut) {
	for _, cut := range cuts {
		for _, leg := range book.legs {
			if leg.Ref != cut.LegRef {
				continue
			}
			leg.ReservedUnits = leg.FilledUnits + cut.Units
			s.persistLeg(ctx, leg)
			break
		}
	}
}

// handleRejection returns a retryable rejection to ARMED up to the retry
// budget, else cancels the leg with a reported reason.
func (s *Scheduler) handleRejection(ctx context.Context, book *positionBook, leg *domain.Leg, res broker.Result) {
	if res.Retryable && leg.Retries < s.cfg.MaxRetries {
		leg.Retries++
		leg.State = domain.LegStateArmed
		s.persistLeg(ctx, leg)
		s.logger.Warn("scheduler: leg rejected, re-armed",
			slog.String("leg_ref", leg.Ref),
			slog.String("reason", res.Reason),
			slog.Int("retries", leg.Retries),
		)
		return
	}

	leg.State = domain.LegStateCancelled
	if res.Retryable {
		leg.CancelReason = domain.ReasonRetriesExhausted
	} else {
		leg.CancelReason = domain.ReasonBrokerRejected
	}
	s.ledger.Release(book.pos.Ref, leg.Ref)
	s.persistLeg(ctx, leg)

	s.events.Emit(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        domain.EventRejected,
		StrategyID:  book.pos.StrategyID,
		OrderRef:    leg.OrderRef,
		PositionRef: book.pos.Ref,
		LegRef:      leg.Ref,
		State:       string(leg.State),
		Reason:      leg.CancelReason,
		Details:     map[string]any{"broker_reason": res.Reason},
		OccurredAt:  time.Now().UTC(),
	})
}

// quarantine isolates a position whose processing hit a consistency
// violation or an unresolvable ambiguous outcome. Other positions continue
// untouched.
func (s *Scheduler) quarantine(ctx context.Context, book *positionBook, leg *domain.Leg, err error) {
	book.quarantined = true
	reason := domain.ReasonConsistency
	if errors.Is(err, domain.ErrManualReview) {
		reason = domain.ReasonRequiresManualReview
	}

	s.logger.Error("scheduler: position quarantined",
		slog.String("position_ref", book.pos.Ref),
		slog.String("leg_ref", leg.Ref),
		slog.String("error", err.Error()),
	)
	s.events.Emit(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        domain.EventOrderUpdate,
		StrategyID:  book.pos.StrategyID,
		OrderRef:    leg.OrderRef,
		PositionRef: book.pos.Ref,
		LegRef:      leg.Ref,
		State:       string(leg.State),
		Reason:      reason,
		OccurredAt:  time.Now().UTC(),
	})
}

// CancelPlan cancels the remaining legs of a position's plan. Legs already
// FIRING cannot be un-submitted: cancellation degrades to the not-yet-fired
// remainder.
func (s *Scheduler) CancelPlan(ctx context.Context, positionRef string, reason domain.ReasonCode) error {
	book := s.book(positionRef)
	if book == nil {
		return fmt.Errorf("scheduler: cancel plan %s: %w", positionRef, domain.ErrNotFound)
	}

	book.mu.Lock()
	defer book.mu.Unlock()
	s.cancelRemainingLocked(ctx, book, reason)
	return nil
}

// ReplacePlan swaps a position's remaining exit plan for a new one in a
// single evaluation-serialized step. Legs already FIRING keep their
// reservations and finish on their own; everything else is cancelled with
// PLAN_REPLACED before the new legs reserve against the current quantity.
// The whole replacement is checked up front so a plan that cannot reserve
// leaves the old plan untouched.
func (s *Scheduler) ReplacePlan(ctx context.Context, positionRef string, legSpecs []domain.Leg) ([]domain.Leg, error) {
	book := s.book(positionRef)
	if book == nil {
		return nil, fmt.Errorf("scheduler: replace plan %s: %w", positionRef, domain.ErrNotFound)
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	if book.pos.State != domain.PositionStateOpen {
		return nil, fmt.Errorf("scheduler: replace plan %s: %w", positionRef, domain.ErrPositionClosed)
	}

	rebaselined := book.pos
	rebaselined.AttachQtyUnits = book.pos.QtyUnits

	firingUnits := make(map[domain.LegKind]int64)
	for _, leg := range book.legs {
		if leg.State == domain.LegStateFiring {
			firingUnits[leg.Kind] += leg.RemainingUnits()
		}
	}
	wantUnits := make(map[domain.LegKind]int64)
	for i := range legSpecs {
		wantUnits[legSpecs[i].Kind] += resolveAllocation(legSpecs[i].Allocation, rebaselined)
	}
	for kind, units := range wantUnits {
		if units > book.pos.QtyUnits-firingUnits[kind] {
			return nil, fmt.Errorf("scheduler: replace plan %s: %w", positionRef, domain.ErrOverAllocated)
		}
	}

	s.cancelRemainingLocked(ctx, book, domain.ReasonPlanReplaced)

	book.pos.AttachQtyUnits = book.pos.QtyUnits
	s.ledger.Attach(book.pos.Ref, book.pos.AttachQtyUnits)
	for _, leg := range book.legs {
		if leg.State == domain.LegStateFiring {
			if _, err := s.ledger.Reserve(book.pos.Ref, leg.Ref, leg.Kind, leg.RemainingUnits()); err != nil {
				return nil, fmt.Errorf("scheduler: replace plan %s: carry firing leg %s: %w", positionRef, leg.Ref, err)
			}
		}
	}
	s.persistPosition(ctx, book)

	seq := len(book.legs)
	attached := make([]*domain.Leg, 0, len(legSpecs))
	for i := range legSpecs {
		leg := legSpecs[i]
		leg.PositionRef = book.pos.Ref
		leg.Seq = seq + i
		if leg.Ref == "" {
			leg.Ref = uuid.New().String()
		}

		requested := resolveAllocation(leg.Allocation, book.pos)
		granted, err := s.ledger.Reserve(book.pos.Ref, leg.Ref, leg.Kind, requested)
		if err == nil && granted < requested {
			s.ledger.Release(book.pos.Ref, leg.Ref)
			err = domain.ErrOverAllocated
		}
		if err != nil {
			for _, a := range attached {
				s.ledger.Release(book.pos.Ref, a.Ref)
			}
			return nil, fmt.Errorf("scheduler: replace plan %s: leg %q: %w", positionRef, leg.Label, err)
		}

		leg.ReservedUnits = granted
		leg.State = domain.LegStatePending
		attached = append(attached, &leg)
	}

	out := make([]domain.Leg, len(attached))
	for i, leg := range attached {
		if err := s.legs.Create(ctx, *leg); err != nil {
			return nil, fmt.Errorf("scheduler: persist leg %s: %w", leg.Ref, err)
		}
		book.legs = append(book.legs, leg)
		out[i] = *leg
	}

	s.logger.Info("scheduler: plan replaced",
		slog.String("position_ref", book.pos.Ref),
		slog.Int("legs", len(out)),
	)
	return out, nil
}

// ClosePosition handles an external position close: cancel remaining legs,
// close the position, detach the ledger.
func (s *Scheduler) ClosePosition(ctx context.Context, positionRef string) error {
	book := s.book(positionRef)
	if book == nil {
		return fmt.Errorf("scheduler: close %s: %w", positionRef, domain.ErrNotFound)
	}

	book.mu.Lock()
	defer book.mu.Unlock()
	book.pos.QtyUnits = 0
	s.closeLocked(ctx, book, domain.ReasonPositionClosed)
	return nil
}

func (s *Scheduler) closeLocked(ctx context.Context, book *positionBook, reason domain.ReasonCode) {
	s.cancelRemainingLocked(ctx, book, reason)

	now := time.Now().UTC()
	book.pos.State = domain.PositionStateClosed
	book.pos.ClosedAt = &now
	s.persistPosition(ctx, book)
	s.ledger.Detach(book.pos.Ref)

	s.mu.Lock()
	delete(s.books, book.pos.Ref)
	s.mu.Unlock()

	s.events.Emit(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        domain.EventPositionClosed,
		StrategyID:  book.pos.StrategyID,
		PositionRef: book.pos.Ref,
		State:       string(book.pos.State),
		Reason:      reason,
		OccurredAt:  now,
	})
}

func (s *Scheduler) cancelRemainingLocked(ctx context.Context, book *positionBook, reason domain.ReasonCode) {
	for _, leg := range book.legs {
		switch leg.State {
		case domain.LegStatePending, domain.LegStateArmed, domain.LegStatePartiallyFilled:
			leg.State = domain.LegStateCancelled
			leg.CancelReason = reason
			s.ledger.Release(book.pos.Ref, leg.Ref)
			s.persistLeg(ctx, leg)

			s.events.Emit(ctx, domain.Event{
				ID:          uuid.New().String(),
				Type:        domain.EventCancelled,
				StrategyID:  book.pos.StrategyID,
				OrderRef:    leg.OrderRef,
				PositionRef: book.pos.Ref,
				LegRef:      leg.Ref,
				State:       string(leg.State),
				Reason:      reason,
				OccurredAt:  time.Now().UTC(),
			})
		}
	}
}

// Restore rebuilds in-memory books from persisted open positions after a
// restart, and repairs any fill whose after-fill actions never ran (crash
// between fill commit and action application). Reapplication is idempotent.
func (s *Scheduler) Restore(ctx context.Context) error {
	open, err := s.posns.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: restore: list open positions: %w", err)
	}

	for _, pos := range open {
		legs, err := s.legs.ListByPosition(ctx, pos.Ref)
		if err != nil {
			return fmt.Errorf("scheduler: restore %s: %w", pos.Ref, err)
		}

		s.ledger.Attach(pos.Ref, pos.AttachQtyUnits)
		book := &positionBook{pos: pos}
		for i := range legs {
			leg := legs[i]
			if leg.Active() && leg.RemainingUnits() > 0 {
				if _, err := s.ledger.Reserve(pos.Ref, leg.Ref, leg.Kind, leg.RemainingUnits()); err != nil {
					return fmt.Errorf("scheduler: restore %s: re-reserve %s: %w", pos.Ref, leg.Ref, err)
				}
			}
			if leg.FilledUnits > 0 {
				if err := seedFilled(s.ledger, pos.Ref, leg); err != nil {
					return err
				}
			}
			book.legs = append(book.legs, &leg)
		}

		// Replaying fills may have trimmed reservations persisted before a
		// crash; resync each live leg with what the ledger actually holds.
		for _, leg := range book.legs {
			if leg.Active() {
				if r := s.ledger.ReservedFor(pos.Ref, leg.Ref) + leg.FilledUnits; r != leg.ReservedUnits {
					leg.ReservedUnits = r
					s.persistLeg(ctx, leg)
				}
			}
		}

		s.mu.Lock()
		s.books[pos.Ref] = book
		s.mu.Unlock()

		// Repair pass.
		book.mu.Lock()
		for _, leg := range book.legs {
			if leg.State == domain.LegStateFilled && !leg.ActionsApplied {
				s.logger.Warn("scheduler: repairing unapplied after-fill actions",
					slog.String("position_ref", pos.Ref),
					slog.String("leg_ref", leg.Ref),
				)
				s.applyAfterFillActions(ctx, book, leg)
				leg.ActionsApplied = true
				s.persistLeg(ctx, leg)
			}
		}
		book.mu.Unlock()

		s.logger.Info("scheduler: position restored",
			slog.String("position_ref", pos.Ref),
			slog.Int("legs", len(book.legs)),
		)
	}
	return nil
}

// seedFilled replays a leg's historical fill into a freshly attached
// ledger entry so the invariant accounts for quantity already gone.
func seedFilled(l *Ledger, positionRef string, leg domain.Leg) error {
	if _, err := l.Reserve(positionRef, leg.Ref+":filled", leg.Kind, leg.FilledUnits); err != nil {
		return fmt.Errorf("scheduler: restore fill for %s: %w", leg.Ref, err)
	}
	if _, err := l.CommitFill(positionRef, leg.Ref+":filled", leg.FilledUnits); err != nil {
		return fmt.Errorf("scheduler: restore fill for %s: %w", leg.Ref, err)
	}
	return nil
}

// Position returns the scheduler's live view of a position, when tracked.
func (s *Scheduler) Position(positionRef string) (domain.Position, bool) {
	book := s.book(positionRef)
	if book == nil {
		return domain.Position{}, false
	}
	book.mu.Lock()
	defer book.mu.Unlock()
	return book.pos, true
}

// Legs returns copies of a tracked position's legs.
func (s *Scheduler) Legs(positionRef string) []domain.Leg {
	book := s.book(positionRef)
	if book == nil {
		return nil
	}
	book.mu.Lock()
	defer book.mu.Unlock()

	out := make([]domain.Leg, len(book.legs))
	for i, leg := range book.legs {
		out[i] = *leg
	}
	return out
}

func (s *Scheduler) book(positionRef string) *positionBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[positionRef]
}

func (s *Scheduler) persistLeg(ctx context.Context, leg *domain.Leg) {
	if err := s.legs.Update(ctx, *leg); err != nil {
		s.logger.Error("scheduler: persist leg failed",
			slog.String("leg_ref", leg.Ref),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) persistPosition(ctx context.Context, book *positionBook) {
	if err := s.posns.Update(ctx, book.pos); err != nil {
		s.logger.Error("scheduler: persist position failed",
			slog.String("position_ref", book.pos.Ref),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) emitTriggered(ctx context.Context, book *positionBook, leg *domain.Leg) {
	evType := domain.EventTakeProfitTriggered
	if leg.Kind == domain.LegKindStopLoss {
		evType = domain.EventStopTriggered
	}
	s.events.Emit(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        evType,
		StrategyID:  book.pos.StrategyID,
		OrderRef:    leg.OrderRef,
		PositionRef: book.pos.Ref,
		LegRef:      leg.Ref,
		State:       string(leg.State),
		Details: map[string]any{
			"trigger_ticks": leg.Trigger.ArmedTicks,
			"label":         leg.Label,
		},
		OccurredAt: time.Now().UTC(),
	})
}

func (s *Scheduler) emitFill(ctx context.Context, book *positionBook, leg *domain.Leg, res broker.Result, full bool) {
	evType := domain.EventFill
	if !full {
		evType = domain.EventPartialFill
	}
	now := time.Now().UTC()

	s.events.Emit(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        evType,
		StrategyID:  book.pos.StrategyID,
		OrderRef:    leg.OrderRef,
		PositionRef: book.pos.Ref,
		LegRef:      leg.Ref,
		State:       string(leg.State),
		Details: map[string]any{
			"filled_units":    res.FilledUnits,
			"avg_price_ticks": res.AvgPriceTicks,
			"broker_order_id": res.BrokerOrderID,
		},
		OccurredAt: now,
	})
	s.events.Emit(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        domain.EventPositionUpdate,
		StrategyID:  book.pos.StrategyID,
		PositionRef: book.pos.Ref,
		State:       string(book.pos.State),
		Details: map[string]any{
			"qty_units": book.pos.QtyUnits,
		},
		OccurredAt: now,
	})
}

// attemptRef is the deterministic per-attempt client reference sent to the
// broker. The first attempt uses the bare leg ref so crash reconciliation
// can find it; every later attempt folds the cumulative fill and retry
// count into the ref, so venue-side idempotency never answers a refire of
// a partially filled leg with the previous attempt's execution.
func attemptRef(leg *domain.Leg) string {
	if leg.Retries == 0 && leg.FilledUnits == 0 {
		return leg.Ref
	}
	return fmt.Sprintf("%s.f%d.r%d", leg.Ref, leg.FilledUnits, leg.Retries)
}

// closingSide is the side that reduces the position.
func closingSide(entry domain.OrderSide) domain.OrderSide {
	if entry == domain.OrderSideBuy {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}
