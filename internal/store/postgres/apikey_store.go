package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/at6132/com/internal/domain"
)

// APIKeyStore implements domain.APIKeyStore using PostgreSQL.
type APIKeyStore struct {
	pool *pgxpool.Pool
}

// NewAPIKeyStore creates an APIKeyStore backed by the given pool.
func NewAPIKeyStore(pool *pgxpool.Pool) *APIKeyStore {
	return &APIKeyStore{pool: pool}
}

// GetByKeyID returns an active credential. Inactive keys surface as
// ErrNotFound so authentication treats revoked and missing keys alike.
func (s *APIKeyStore) GetByKeyID(ctx context.Context, keyID string) (domain.APIKey, error) {
	const query = `
		SELECT key_id, encrypted_secret, active, created_at
		FROM api_keys WHERE key_id = $1 AND active`

	var key domain.APIKey
	err := s.pool.QueryRow(ctx, query, keyID).Scan(
		&key.KeyID, &key.EncryptedSecret, &key.Active, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APIKey{}, domain.ErrNotFound
		}
		return domain.APIKey{}, fmt.Errorf("postgres: get api key %s: %w", keyID, err)
	}
	return key, nil
}

// Create inserts a new credential.
func (s *APIKeyStore) Create(ctx context.Context, key domain.APIKey) error {
	const query = `
		INSERT INTO api_keys (key_id, encrypted_secret, active, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, query,
		key.KeyID, key.EncryptedSecret, key.Active, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create api key %s: %w", key.KeyID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.APIKeyStore = (*APIKeyStore)(nil)
