package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/at6132/com/internal/domain"
)

// snapshotTTL bounds how long a cached snapshot is served; a stale cache is
// worse than a miss for trigger visibility queries.
const snapshotTTL = 30 * time.Second

// SnapshotCache implements domain.SnapshotCache using Redis hashes. Each
// instrument's snapshot is stored at "snap:{symbol}" with fixed-point tick
// fields.
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.raw()}
}

func snapshotKey(symbol string) string {
	return "snap:" + symbol
}

// Set stores the latest snapshot for an instrument.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.Snapshot) error {
	key := snapshotKey(snap.Symbol)
	fields := map[string]interface{}{
		"mark": strconv.FormatInt(snap.MarkTicks, 10),
		"last": strconv.FormatInt(snap.LastTicks, 10),
		"bid":  strconv.FormatInt(snap.BidTicks, 10),
		"ask":  strconv.FormatInt(snap.AskTicks, 10),
		"ts":   strconv.FormatInt(snap.UpdatedAt.UnixNano(), 10),
	}

	pipe := sc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

// Get retrieves the latest snapshot for an instrument. It returns
// domain.ErrNotFound when no fresh snapshot exists.
func (sc *SnapshotCache) Get(ctx context.Context, symbol string) (domain.Snapshot, error) {
	vals, err := sc.rdb.HGetAll(ctx, snapshotKey(symbol)).Result()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("redis: get snapshot %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.Snapshot{}, domain.ErrNotFound
	}

	snap := domain.Snapshot{Symbol: symbol}
	snap.MarkTicks = parseTicks(vals["mark"])
	snap.LastTicks = parseTicks(vals["last"])
	snap.BidTicks = parseTicks(vals["bid"])
	snap.AskTicks = parseTicks(vals["ask"])
	if ns, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		snap.UpdatedAt = time.Unix(0, ns)
	}
	return snap, nil
}

func parseTicks(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
