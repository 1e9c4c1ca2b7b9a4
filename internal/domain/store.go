package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists parent orders.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	GetByRef(ctx context.Context, ref string) (Order, error)
	ListOpen(ctx context.Context, strategyID string) ([]Order, error)
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByRef(ctx context.Context, ref string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
}

// LegStore persists exit-plan legs (sub-orders).
type LegStore interface {
	Create(ctx context.Context, leg Leg) error
	Update(ctx context.Context, leg Leg) error
	GetByRef(ctx context.Context, ref string) (Leg, error)
	ListByPosition(ctx context.Context, positionRef string) ([]Leg, error)
}

// EventStore persists the append-only event journal.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
	ListRecent(ctx context.Context, strategyID string, opts ListOpts) ([]Event, error)
}

// IdempotencyRecord maps an idempotency key to its original result. A
// record with an empty ResultRef marks a submission still in flight: the
// key is claimed but the outcome is not yet known.
type IdempotencyRecord struct {
	Key         string
	RequestType string
	PayloadHash string
	ResultRef   string
	ExpiresAt   time.Time
}

// IdempotencyStore persists idempotency records with a TTL. Put must fail
// with ErrAlreadyExists when the key is already present and unexpired, so a
// caller can claim a key before doing the work it guards.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	Put(ctx context.Context, rec IdempotencyRecord) error

	// Complete pins the result on a previously claimed key.
	Complete(ctx context.Context, key, resultRef string) error

	// Delete releases a claimed key whose guarded work failed.
	Delete(ctx context.Context, key string) error

	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// APIKey is one credential entry for push-channel authentication. The secret
// is stored encrypted at rest and decrypted through the keystore.
type APIKey struct {
	KeyID           string
	EncryptedSecret []byte
	Active          bool
	CreatedAt       time.Time
}

// APIKeyStore looks up push-channel credentials.
type APIKeyStore interface {
	GetByKeyID(ctx context.Context, keyID string) (APIKey, error)
	Create(ctx context.Context, key APIKey) error
}

// SignalBus fans out serialized events between processes. Channel naming is
// one logical channel per strategy id.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// SnapshotCache caches the latest market snapshot per instrument for
// read-side queries.
type SnapshotCache interface {
	Set(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, symbol string) (Snapshot, error)
}

// RateLimiter throttles admission requests per caller key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
