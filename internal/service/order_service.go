package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/at6132/com/internal/broker"
	"github.com/at6132/com/internal/domain"
	"github.com/at6132/com/internal/engine"
)

// OrderConfig tunes admission behavior.
type OrderConfig struct {
	// RateLimit is the per-strategy admission budget per RateWindow.
	RateLimit  int
	RateWindow time.Duration

	// IdempotencyTTL is how long a key pins its original result.
	IdempotencyTTL time.Duration
}

func (c *OrderConfig) defaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 60
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
}

// ErrRateLimited is returned when a strategy exceeds its admission budget.
var ErrRateLimited = errors.New("order_service: rate limit exceeded")

// OrderService admits orders: it validates the submission, enforces
// idempotency, executes the entry, opens the position, and hands the exit
// plan to the scheduler.
type OrderService struct {
	cfg     OrderConfig
	orders  domain.OrderStore
	posns   domain.PositionStore
	idem    domain.IdempotencyStore
	exec    broker.Broker
	sched   *engine.Scheduler
	limiter domain.RateLimiter
	events  engine.EventSink
	logger  *slog.Logger
}

// NewOrderService creates the admission service. limiter may be nil, in
// which case admission is not throttled.
func NewOrderService(
	cfg OrderConfig,
	orders domain.OrderStore,
	posns domain.PositionStore,
	idem domain.IdempotencyStore,
	exec broker.Broker,
	sched *engine.Scheduler,
	limiter domain.RateLimiter,
	events engine.EventSink,
	logger *slog.Logger,
) *OrderService {
	cfg.defaults()
	return &OrderService{
		cfg:     cfg,
		orders:  orders,
		posns:   posns,
		idem:    idem,
		exec:    exec,
		sched:   sched,
		limiter: limiter,
		events:  events,
		logger:  logger.With(slog.String("component", "order_service")),
	}
}

// PlaceOrder runs the full admission path. Resubmission with the same
// idempotency key and payload replays the original order; the same key with
// a different payload fails with ErrDuplicateIntent.
func (s *OrderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (domain.Order, error) {
	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, "orders:"+req.StrategyID, s.cfg.RateLimit, s.cfg.RateWindow)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order_service: rate limit check: %w", err)
		}
		if !ok {
			return domain.Order{}, ErrRateLimited
		}
	}

	if err := req.Validate(); err != nil {
		return domain.Order{}, fmt.Errorf("order_service: %w", err)
	}

	hash := payloadHash(req)
	idemKey := req.StrategyID + ":" + req.IdempotencyKey
	now := time.Now().UTC()

	// Claim the key before any side effect so concurrent duplicates can
	// never both execute the entry. The claim carries no result yet;
	// Complete pins one once admission finishes.
	claimErr := s.idem.Put(ctx, domain.IdempotencyRecord{
		Key:         idemKey,
		RequestType: "place_order",
		PayloadHash: hash,
		ExpiresAt:   now.Add(s.cfg.IdempotencyTTL),
	})
	switch {
	case claimErr == nil:
		// first submission
	case errors.Is(claimErr, domain.ErrAlreadyExists):
		rec, err := s.idem.Get(ctx, idemKey)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order_service: idempotency lookup: %w", err)
		}
		return s.replay(ctx, rec, hash)
	default:
		return domain.Order{}, fmt.Errorf("order_service: idempotency claim: %w", claimErr)
	}
	order := domain.Order{
		Ref:            uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		StrategyID:     req.StrategyID,
		InstanceID:     req.InstanceID,
		Owner:          req.Owner,
		Symbol:         req.Symbol,
		Side:           domain.OrderSide(req.Side),
		Type:           domain.OrderType(req.OrderType),
		QtyUnits:       domain.Units(req.Qty),
		PriceTicks:     domain.Ticks(req.Price),
		StopTicks:      domain.Ticks(req.StopPrice),
		TimeInForce:    domain.TimeInForce(req.TimeInForce),
		Leverage:       req.Leverage,
		State:          domain.OrderStateNew,
		CreatedAt:      now,
		UpdatedAt:      now,
		Flags: domain.OrderFlags{
			PostOnly:          req.Flags.PostOnly,
			ReduceOnly:        req.Flags.ReduceOnly,
			Hidden:            req.Flags.Hidden,
			AllowPartialFills: req.Flags.AllowPartialFills,
		},
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TIFGoodTillCancelled
	}
	if req.ExitPlan != nil {
		order.ExitPlan = &domain.ExitPlan{Legs: toDomainLegs(req.ExitPlan.Legs)}
	}

	if err := s.orders.Create(ctx, order); err != nil {
		s.releaseClaim(ctx, idemKey)
		return domain.Order{}, fmt.Errorf("order_service: persist order: %w", err)
	}

	order, err := s.executeEntry(ctx, order)
	if err != nil {
		s.releaseClaim(ctx, idemKey)
		return domain.Order{}, err
	}

	if order.State == domain.OrderStateRejected {
		s.completeClaim(ctx, idemKey, order.Ref)
		s.emitOrder(ctx, order, domain.ReasonBrokerRejected)
		return order, nil
	}

	if order.FilledUnits > 0 {
		order, err = s.openPosition(ctx, order)
		if err != nil {
			s.releaseClaim(ctx, idemKey)
			return domain.Order{}, err
		}
	}

	s.completeClaim(ctx, idemKey, order.Ref)
	s.emitOrder(ctx, order, "")
	s.logger.Info("order_service: order admitted",
		slog.String("order_ref", order.Ref),
		slog.String("strategy_id", order.StrategyID),
		slog.String("symbol", order.Symbol),
		slog.String("state", string(order.State)),
	)
	return order, nil
}

// replay resolves a claimed idempotency record: matching payloads return
// the original order, mismatched payloads are a distinct intent hiding
// behind a reused key, and a record without a result is a concurrent
// submission still in flight.
func (s *OrderService) replay(ctx context.Context, rec domain.IdempotencyRecord, hash string) (domain.Order, error) {
	if rec.PayloadHash != hash {
		return domain.Order{}, fmt.Errorf("order_service: key %s: %w", rec.Key, domain.ErrDuplicateIntent)
	}
	if rec.ResultRef == "" {
		return domain.Order{}, fmt.Errorf("order_service: key %s: submission in flight: %w", rec.Key, domain.ErrAlreadyExists)
	}
	order, err := s.orders.GetByRef(ctx, rec.ResultRef)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: replay %s: %w", rec.ResultRef, err)
	}
	return order, nil
}

// completeClaim pins the admission result on the claimed key so later
// resubmissions replay it.
func (s *OrderService) completeClaim(ctx context.Context, key, orderRef string) {
	if err := s.idem.Complete(ctx, key, orderRef); err != nil {
		s.logger.Error("order_service: idempotency result not pinned",
			slog.String("key", key),
			slog.String("order_ref", orderRef),
			slog.Any("error", err),
		)
	}
}

// releaseClaim frees a claimed key after a failed admission so the caller
// can retry with the same key.
func (s *OrderService) releaseClaim(ctx context.Context, key string) {
	if err := s.idem.Delete(ctx, key); err != nil {
		s.logger.Error("order_service: idempotency claim not released",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

// executeEntry submits the parent order and folds the broker outcome into
// the order state.
func (s *OrderService) executeEntry(ctx context.Context, order domain.Order) (domain.Order, error) {
	res, err := s.exec.PlaceOrder(ctx, broker.Request{
		ClientRef:   order.Ref,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Type:        order.Type,
		QtyUnits:    order.QtyUnits,
		PriceTicks:  order.PriceTicks,
		StopTicks:   order.StopTicks,
		TimeInForce: order.TimeInForce,
		PostOnly:    order.Flags.PostOnly,
		ReduceOnly:  order.Flags.ReduceOnly,
	})
	if err != nil {
		if errors.Is(err, broker.ErrAmbiguous) {
			if rec, recErr := s.exec.GetOrder(ctx, order.Ref); recErr == nil {
				res = rec
				err = nil
			}
		}
		if err != nil {
			order.State = domain.OrderStateRejected
			order.UpdatedAt = time.Now().UTC()
			s.persistOrder(ctx, order)
			return order, fmt.Errorf("order_service: entry execution %s: %w", order.Ref, err)
		}
	}

	switch res.Status {
	case broker.StatusFilled:
		order.State = domain.OrderStateFilled
	case broker.StatusPartiallyFilled:
		order.State = domain.OrderStatePartiallyFilled
	case broker.StatusAccepted:
		order.State = domain.OrderStateAccepted
	case broker.StatusRejected:
		order.State = domain.OrderStateRejected
	case broker.StatusCancelled:
		order.State = domain.OrderStateCancelled
	}
	order.FilledUnits = res.FilledUnits
	order.AvgFillTicks = res.AvgPriceTicks
	order.UpdatedAt = time.Now().UTC()
	s.persistOrder(ctx, order)
	return order, nil
}

// openPosition creates the position from the entry fill and attaches the
// exit plan. Percentage allocations resolve against the filled quantity, so
// partial entry fills shrink the plan proportionally instead of
// over-committing.
func (s *OrderService) openPosition(ctx context.Context, order domain.Order) (domain.Order, error) {
	pos := domain.Position{
		Ref:            uuid.New().String(),
		StrategyID:     order.StrategyID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		State:          domain.PositionStateOpen,
		EntryTicks:     order.AvgFillTicks,
		QtyUnits:       order.FilledUnits,
		AttachQtyUnits: order.FilledUnits,
		Leverage:       order.Leverage,
		OpenedAt:       time.Now().UTC(),
	}
	if err := s.posns.Create(ctx, pos); err != nil {
		return domain.Order{}, fmt.Errorf("order_service: persist position: %w", err)
	}

	order.PositionRef = pos.Ref
	order.UpdatedAt = time.Now().UTC()
	s.persistOrder(ctx, order)

	if order.ExitPlan != nil && len(order.ExitPlan.Legs) > 0 {
		specs := make([]domain.Leg, len(order.ExitPlan.Legs))
		copy(specs, order.ExitPlan.Legs)
		for i := range specs {
			specs[i].OrderRef = order.Ref
		}
		if _, err := s.sched.AttachPlan(ctx, pos, specs); err != nil {
			return s.rejectWithUnwind(ctx, order, pos, err)
		}
	}
	return order, nil
}

// rejectWithUnwind flattens a position whose exit plan could not attach.
// Holding an unprotected position violates the contract the caller asked
// for, so the entry is reversed at market.
func (s *OrderService) rejectWithUnwind(ctx context.Context, order domain.Order, pos domain.Position, cause error) (domain.Order, error) {
	side := domain.OrderSideSell
	if pos.Side == domain.OrderSideSell {
		side = domain.OrderSideBuy
	}
	_, unwindErr := s.exec.PlaceOrder(ctx, broker.Request{
		ClientRef:  order.Ref + ".unwind",
		Symbol:     pos.Symbol,
		Side:       side,
		Type:       domain.OrderTypeMarket,
		QtyUnits:   pos.QtyUnits,
		ReduceOnly: true,
	})
	if unwindErr != nil {
		s.logger.Error("order_service: unwind failed, position left open",
			slog.String("position_ref", pos.Ref),
			slog.Any("error", unwindErr),
		)
	} else {
		now := time.Now().UTC()
		pos.State = domain.PositionStateClosed
		pos.QtyUnits = 0
		pos.ClosedAt = &now
		if err := s.posns.Update(ctx, pos); err != nil {
			s.logger.Error("order_service: position not persisted",
				slog.String("position_ref", pos.Ref),
				slog.Any("error", err),
			)
		}
	}

	order.State = domain.OrderStateRejected
	order.UpdatedAt = time.Now().UTC()
	s.persistOrder(ctx, order)

	reason := domain.ReasonInternalError
	if errors.Is(cause, domain.ErrOverAllocated) {
		reason = domain.ReasonOverAllocated
	}
	s.emitOrder(ctx, order, reason)
	return domain.Order{}, fmt.Errorf("order_service: attach plan for %s: %w", order.Ref, cause)
}

// GetOrder returns an order by reference.
func (s *OrderService) GetOrder(ctx context.Context, ref string) (domain.Order, error) {
	order, err := s.orders.GetByRef(ctx, ref)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get %s: %w", ref, err)
	}
	return order, nil
}

// CancelOrder cancels an open order's remaining exit plan and marks the
// order cancelled. Legs already firing or filled are untouched.
func (s *OrderService) CancelOrder(ctx context.Context, ref string) (domain.Order, error) {
	order, err := s.orders.GetByRef(ctx, ref)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: cancel %s: %w", ref, err)
	}
	if order.Terminal() && order.State != domain.OrderStateFilled {
		return order, nil
	}

	if order.PositionRef != "" {
		if err := s.sched.CancelPlan(ctx, order.PositionRef, domain.ReasonExplicitCancel); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, fmt.Errorf("order_service: cancel plan for %s: %w", ref, err)
		}
	}

	order.State = domain.OrderStateCancelled
	order.UpdatedAt = time.Now().UTC()
	s.persistOrder(ctx, order)
	s.emitOrder(ctx, order, domain.ReasonExplicitCancel)
	return order, nil
}

// AmendPlan atomically replaces a position's exit plan: the remaining legs
// of the old plan are cancelled with PLAN_REPLACED and the new plan goes
// through the same reservation check as admission.
func (s *OrderService) AmendPlan(ctx context.Context, positionRef string, req *AmendPlanRequest) ([]domain.Leg, error) {
	pos, ok := s.sched.Position(positionRef)
	if !ok {
		return nil, fmt.Errorf("order_service: amend %s: %w", positionRef, domain.ErrNotFound)
	}
	if err := req.Validate(pos.Qty()); err != nil {
		return nil, fmt.Errorf("order_service: amend %s: %w", positionRef, err)
	}

	legs, err := s.sched.ReplacePlan(ctx, positionRef, toDomainLegs(req.Legs))
	if err != nil {
		return nil, fmt.Errorf("order_service: amend %s: %w", positionRef, err)
	}
	return legs, nil
}

func (s *OrderService) persistOrder(ctx context.Context, order domain.Order) {
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger.Error("order_service: order not persisted",
			slog.String("order_ref", order.Ref),
			slog.Any("error", err),
		)
	}
}

func (s *OrderService) emitOrder(ctx context.Context, order domain.Order, reason domain.ReasonCode) {
	s.events.Emit(ctx, domain.Event{
		ID:          uuid.New().String(),
		Type:        domain.EventOrderUpdate,
		StrategyID:  order.StrategyID,
		OrderRef:    order.Ref,
		PositionRef: order.PositionRef,
		State:       string(order.State),
		Reason:      reason,
		Details: map[string]any{
			"symbol":       order.Symbol,
			"side":         order.Side,
			"filled_units": order.FilledUnits,
		},
		OccurredAt: time.Now().UTC(),
	})
}

// payloadHash fingerprints a submission for idempotent replay detection.
// Marshal order is fixed by the struct layout, so equal requests always
// produce equal hashes.
func payloadHash(req *PlaceOrderRequest) string {
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
