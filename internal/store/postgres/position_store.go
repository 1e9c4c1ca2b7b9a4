package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/at6132/com/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			ref, strategy_id, symbol, side, state,
			entry_ticks, qty_units, attach_qty_units, leverage,
			opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		p.Ref, p.StrategyID, p.Symbol, string(p.Side), string(p.State),
		p.EntryTicks, p.QtyUnits, p.AttachQtyUnits, p.Leverage,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.Ref, err)
	}
	return nil
}

// Update persists the mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			state = $1, qty_units = $2, attach_qty_units = $3,
			entry_ticks = $4, closed_at = $5
		WHERE ref = $6`

	tag, err := s.pool.Exec(ctx, query,
		string(p.State), p.QtyUnits, p.AttachQtyUnits, p.EntryTicks, p.ClosedAt, p.Ref,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.Ref, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const positionSelectCols = `ref, strategy_id, symbol, side, state,
	entry_ticks, qty_units, attach_qty_units, leverage, opened_at, closed_at`

func scanPosition(scanner interface{ Scan(dest ...any) error }) (domain.Position, error) {
	var p domain.Position
	var side, state string

	err := scanner.Scan(
		&p.Ref, &p.StrategyID, &p.Symbol, &side, &state,
		&p.EntryTicks, &p.QtyUnits, &p.AttachQtyUnits, &p.Leverage,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.OrderSide(side)
	p.State = domain.PositionState(state)
	return p, nil
}

// GetByRef retrieves a single position.
func (s *PositionStore) GetByRef(ctx context.Context, ref string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE ref = $1`, ref)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", ref, err)
	}
	return p, nil
}

// ListOpen returns every open position, used for restart recovery.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE state = 'OPEN' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open positions: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
