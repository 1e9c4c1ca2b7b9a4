package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/at6132/com/internal/domain"
)

// LegStore implements domain.LegStore using PostgreSQL. The structured
// sub-documents (allocation, trigger, exec spec, actions) are stored as
// JSONB; lifecycle scalars get their own columns for querying.
type LegStore struct {
	pool *pgxpool.Pool
}

// NewLegStore creates a LegStore backed by the given pool.
func NewLegStore(pool *pgxpool.Pool) *LegStore {
	return &LegStore{pool: pool}
}

type legDocs struct {
	allocation []byte
	trigger    []byte
	exec       []byte
	actions    []byte
}

func marshalLegDocs(l domain.Leg) (legDocs, error) {
	var d legDocs
	var err error
	if d.allocation, err = json.Marshal(l.Allocation); err != nil {
		return d, fmt.Errorf("marshal allocation: %w", err)
	}
	if d.trigger, err = json.Marshal(l.Trigger); err != nil {
		return d, fmt.Errorf("marshal trigger: %w", err)
	}
	if d.exec, err = json.Marshal(l.Exec); err != nil {
		return d, fmt.Errorf("marshal exec spec: %w", err)
	}
	if d.actions, err = json.Marshal(l.Actions); err != nil {
		return d, fmt.Errorf("marshal actions: %w", err)
	}
	return d, nil
}

// Create inserts a new leg.
func (s *LegStore) Create(ctx context.Context, l domain.Leg) error {
	docs, err := marshalLegDocs(l)
	if err != nil {
		return fmt.Errorf("postgres: create leg %s: %w", l.Ref, err)
	}

	const query = `
		INSERT INTO legs (
			ref, order_ref, position_ref, kind, label, seq,
			allocation, trigger_spec, exec_spec, actions,
			state, reserved_units, filled_units, broker_order_id,
			retries, cancel_reason, actions_applied, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		l.Ref, l.OrderRef, l.PositionRef, string(l.Kind), l.Label, l.Seq,
		docs.allocation, docs.trigger, docs.exec, docs.actions,
		string(l.State), l.ReservedUnits, l.FilledUnits, l.BrokerOrderID,
		l.Retries, string(l.CancelReason), l.ActionsApplied,
	)
	if err != nil {
		return fmt.Errorf("postgres: create leg %s: %w", l.Ref, err)
	}
	return nil
}

// Update persists a leg's mutable state, including the trigger document
// whose watermark and ratchet target move during evaluation.
func (s *LegStore) Update(ctx context.Context, l domain.Leg) error {
	docs, err := marshalLegDocs(l)
	if err != nil {
		return fmt.Errorf("postgres: update leg %s: %w", l.Ref, err)
	}

	const query = `
		UPDATE legs SET
			trigger_spec = $1, state = $2, reserved_units = $3,
			filled_units = $4, broker_order_id = $5, retries = $6,
			cancel_reason = $7, actions_applied = $8, updated_at = NOW()
		WHERE ref = $9`

	tag, err := s.pool.Exec(ctx, query,
		docs.trigger, string(l.State), l.ReservedUnits,
		l.FilledUnits, l.BrokerOrderID, l.Retries,
		string(l.CancelReason), l.ActionsApplied, l.Ref,
	)
	if err != nil {
		return fmt.Errorf("postgres: update leg %s: %w", l.Ref, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const legSelectCols = `ref, order_ref, position_ref, kind, label, seq,
	allocation, trigger_spec, exec_spec, actions,
	state, reserved_units, filled_units, broker_order_id,
	retries, cancel_reason, actions_applied`

func scanLeg(scanner interface{ Scan(dest ...any) error }) (domain.Leg, error) {
	var l domain.Leg
	var kind, state, cancelReason string
	var allocation, trigger, exec, actions []byte

	err := scanner.Scan(
		&l.Ref, &l.OrderRef, &l.PositionRef, &kind, &l.Label, &l.Seq,
		&allocation, &trigger, &exec, &actions,
		&state, &l.ReservedUnits, &l.FilledUnits, &l.BrokerOrderID,
		&l.Retries, &cancelReason, &l.ActionsApplied,
	)
	if err != nil {
		return domain.Leg{}, err
	}

	l.Kind = domain.LegKind(kind)
	l.State = domain.LegState(state)
	l.CancelReason = domain.ReasonCode(cancelReason)

	if err := json.Unmarshal(allocation, &l.Allocation); err != nil {
		return domain.Leg{}, fmt.Errorf("unmarshal allocation: %w", err)
	}
	if err := json.Unmarshal(trigger, &l.Trigger); err != nil {
		return domain.Leg{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(exec, &l.Exec); err != nil {
		return domain.Leg{}, fmt.Errorf("unmarshal exec spec: %w", err)
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &l.Actions); err != nil {
			return domain.Leg{}, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	return l, nil
}

// GetByRef retrieves a single leg.
func (s *LegStore) GetByRef(ctx context.Context, ref string) (domain.Leg, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+legSelectCols+` FROM legs WHERE ref = $1`, ref)

	l, err := scanLeg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Leg{}, domain.ErrNotFound
		}
		return domain.Leg{}, fmt.Errorf("postgres: get leg %s: %w", ref, err)
	}
	return l, nil
}

// ListByPosition returns a position's legs in declaration order.
func (s *LegStore) ListByPosition(ctx context.Context, positionRef string) ([]domain.Leg, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+legSelectCols+` FROM legs WHERE position_ref = $1 ORDER BY seq`, positionRef)
	if err != nil {
		return nil, fmt.Errorf("postgres: list legs for %s: %w", positionRef, err)
	}
	defer rows.Close()

	var legs []domain.Leg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan legs for %s: %w", positionRef, err)
		}
		legs = append(legs, l)
	}
	return legs, rows.Err()
}

// Compile-time interface check.
var _ domain.LegStore = (*LegStore)(nil)
