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

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new parent order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	flags, err := json.Marshal(o.Flags)
	if err != nil {
		return fmt.Errorf("postgres: marshal order flags: %w", err)
	}
	var plan []byte
	if o.ExitPlan != nil {
		plan, err = json.Marshal(o.ExitPlan)
		if err != nil {
			return fmt.Errorf("postgres: marshal exit plan: %w", err)
		}
	}

	const query = `
		INSERT INTO orders (
			ref, idempotency_key, strategy_id, instance_id, owner,
			symbol, side, order_type, qty_units, price_ticks, stop_ticks,
			time_in_force, flags, leverage, state, position_ref, exit_plan,
			filled_units, avg_fill_ticks, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		o.Ref, o.IdempotencyKey, o.StrategyID, o.InstanceID, o.Owner,
		o.Symbol, string(o.Side), string(o.Type), o.QtyUnits, o.PriceTicks, o.StopTicks,
		string(o.TimeInForce), flags, o.Leverage, string(o.State), o.PositionRef, plan,
		o.FilledUnits, o.AvgFillTicks, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.Ref, err)
	}
	return nil
}

// Update persists the mutable lifecycle fields of an order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	var plan []byte
	if o.ExitPlan != nil {
		var err error
		plan, err = json.Marshal(o.ExitPlan)
		if err != nil {
			return fmt.Errorf("postgres: marshal exit plan: %w", err)
		}
	}

	const query = `
		UPDATE orders SET
			state = $1, position_ref = $2, exit_plan = $3,
			filled_units = $4, avg_fill_ticks = $5, updated_at = NOW()
		WHERE ref = $6`

	tag, err := s.pool.Exec(ctx, query,
		string(o.State), o.PositionRef, plan, o.FilledUnits, o.AvgFillTicks, o.Ref,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.Ref, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `ref, idempotency_key, strategy_id, instance_id, owner,
	symbol, side, order_type, qty_units, price_ticks, stop_ticks,
	time_in_force, flags, leverage, state, position_ref, exit_plan,
	filled_units, avg_fill_ticks, created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, orderType, tif, state string
	var flags, plan []byte

	err := scanner.Scan(
		&o.Ref, &o.IdempotencyKey, &o.StrategyID, &o.InstanceID, &o.Owner,
		&o.Symbol, &side, &orderType, &o.QtyUnits, &o.PriceTicks, &o.StopTicks,
		&tif, &flags, &o.Leverage, &state, &o.PositionRef, &plan,
		&o.FilledUnits, &o.AvgFillTicks, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.TimeInForce = domain.TimeInForce(tif)
	o.State = domain.OrderState(state)

	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &o.Flags); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal flags: %w", err)
		}
	}
	if len(plan) > 0 {
		o.ExitPlan = &domain.ExitPlan{}
		if err := json.Unmarshal(plan, o.ExitPlan); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal exit plan: %w", err)
		}
	}
	return o, nil
}

// GetByRef retrieves a single order.
func (s *OrderStore) GetByRef(ctx context.Context, ref string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE ref = $1`, ref)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", ref, err)
	}
	return o, nil
}

// ListOpen returns non-terminal orders for a strategy, newest first.
func (s *OrderStore) ListOpen(ctx context.Context, strategyID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE strategy_id = $1
		   AND state NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'EXPIRED')
		 ORDER BY created_at DESC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open orders: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
