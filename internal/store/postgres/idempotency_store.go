package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/at6132/com/internal/domain"
)

// IdempotencyStore implements domain.IdempotencyStore using PostgreSQL.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore creates an IdempotencyStore backed by the given pool.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Get returns the record for a key. Expired records surface as ErrNotFound.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	const query = `
		SELECT key, request_type, payload_hash, result_ref, expires_at
		FROM idempotency_keys WHERE key = $1 AND expires_at > NOW()`

	var rec domain.IdempotencyRecord
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&rec.Key, &rec.RequestType, &rec.PayloadHash, &rec.ResultRef, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("postgres: get idempotency key: %w", err)
	}
	return rec, nil
}

// Put inserts a record, failing with ErrAlreadyExists when the key is
// already present and unexpired. An expired row is replaced in place so
// keys can be reused after their window lapses.
func (s *IdempotencyStore) Put(ctx context.Context, rec domain.IdempotencyRecord) error {
	const query = `
		INSERT INTO idempotency_keys (key, request_type, payload_hash, result_ref, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			request_type = EXCLUDED.request_type,
			payload_hash = EXCLUDED.payload_hash,
			result_ref = EXCLUDED.result_ref,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= NOW()`

	tag, err := s.pool.Exec(ctx, query,
		rec.Key, rec.RequestType, rec.PayloadHash, rec.ResultRef, rec.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: put idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Complete pins the result on a previously claimed key.
func (s *IdempotencyStore) Complete(ctx context.Context, key, resultRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET result_ref = $2 WHERE key = $1`, key, resultRef)
	if err != nil {
		return fmt.Errorf("postgres: complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: complete idempotency key %s: %w", key, domain.ErrNotFound)
	}
	return nil
}

// Delete releases a claimed key whose guarded work failed.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: delete idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows past their expiry, returning the count removed.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
