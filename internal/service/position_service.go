package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/at6132/com/internal/domain"
	"github.com/at6132/com/internal/engine"
)

// PositionService serves position and sub-order queries. Live positions are
// read from the scheduler so callers see in-flight leg state; closed
// positions fall back to the store.
type PositionService struct {
	sched  *engine.Scheduler
	posns  domain.PositionStore
	legs   domain.LegStore
	logger *slog.Logger
}

// NewPositionService creates the query service.
func NewPositionService(sched *engine.Scheduler, posns domain.PositionStore, legs domain.LegStore, logger *slog.Logger) *PositionService {
	return &PositionService{
		sched:  sched,
		posns:  posns,
		legs:   legs,
		logger: logger.With(slog.String("component", "position_service")),
	}
}

// Get returns a position by reference.
func (s *PositionService) Get(ctx context.Context, ref string) (domain.Position, error) {
	if pos, ok := s.sched.Position(ref); ok {
		return pos, nil
	}
	pos, err := s.posns.GetByRef(ctx, ref)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %s: %w", ref, err)
	}
	return pos, nil
}

// SubOrders returns a position's exit legs in plan order.
func (s *PositionService) SubOrders(ctx context.Context, positionRef string) ([]domain.Leg, error) {
	if legs := s.sched.Legs(positionRef); legs != nil {
		return legs, nil
	}
	legs, err := s.legs.ListByPosition(ctx, positionRef)
	if err != nil {
		return nil, fmt.Errorf("position_service: sub-orders for %s: %w", positionRef, err)
	}
	if len(legs) == 0 {
		if _, err := s.posns.GetByRef(ctx, positionRef); err != nil {
			return nil, fmt.Errorf("position_service: sub-orders for %s: %w", positionRef, err)
		}
	}
	return legs, nil
}

// ListOpen returns all open positions.
func (s *PositionService) ListOpen(ctx context.Context) ([]domain.Position, error) {
	pos, err := s.posns.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open: %w", err)
	}
	return pos, nil
}

// Close flattens a position on request: the remaining plan is cancelled and
// the scheduler closes the book. Already-closed positions are a no-op.
func (s *PositionService) Close(ctx context.Context, ref string) error {
	err := s.sched.ClosePosition(ctx, ref)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("position_service: close %s: %w", ref, err)
	}

	pos, getErr := s.posns.GetByRef(ctx, ref)
	if getErr != nil {
		return fmt.Errorf("position_service: close %s: %w", ref, getErr)
	}
	if pos.State == domain.PositionStateClosed {
		return nil
	}
	return fmt.Errorf("position_service: close %s: %w", ref, err)
}
