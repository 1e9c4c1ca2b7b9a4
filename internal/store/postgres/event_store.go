package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/at6132/com/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. The events table
// is append-only; rows are never updated.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append persists one event.
func (s *EventStore) Append(ctx context.Context, ev domain.Event) error {
	var details []byte
	if ev.Details != nil {
		var err error
		details, err = json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("postgres: marshal event details: %w", err)
		}
	}

	const query = `
		INSERT INTO events (
			id, event_type, strategy_id, order_ref, position_ref,
			leg_ref, state, reason, details, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		ev.ID, string(ev.Type), ev.StrategyID, ev.OrderRef, ev.PositionRef,
		ev.LegRef, ev.State, string(ev.Reason), details, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.ID, err)
	}
	return nil
}

// ListRecent returns a strategy's events, newest first.
func (s *EventStore) ListRecent(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT id, event_type, strategy_id, order_ref, position_ref,
		leg_ref, state, reason, details, occurred_at
		FROM events WHERE strategy_id = $1`
	args := []any{strategyID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY occurred_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var evType, reason string
		var details []byte
		if err := rows.Scan(
			&ev.ID, &evType, &ev.StrategyID, &ev.OrderRef, &ev.PositionRef,
			&ev.LegRef, &ev.State, &reason, &details, &ev.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = domain.EventType(evType)
		ev.Reason = domain.ReasonCode(reason)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event details: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListBefore returns all events that occurred strictly before the cutoff,
// oldest first. Used by the cold-storage archiver.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_type, strategy_id, order_ref, position_ref,
			leg_ref, state, reason, details, occurred_at
		 FROM events WHERE occurred_at < $1 ORDER BY occurred_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before %s: %w", before, err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var evType, reason string
		var details []byte
		if err := rows.Scan(
			&ev.ID, &evType, &ev.StrategyID, &ev.OrderRef, &ev.PositionRef,
			&ev.LegRef, &ev.State, &reason, &details, &ev.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = domain.EventType(evType)
		ev.Reason = domain.ReasonCode(reason)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event details: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
