package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/splitlab/splitlab/internal/experiments"
)

// SnapshotCache keeps result snapshots in Redis under a bounded TTL. The
// ledger stays authoritative: a cache miss or a Redis outage just means the
// caller recomputes. It never serves anything older than the TTL.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotCache builds the cache and verifies the connection.
func NewSnapshotCache(ctx context.Context, client *redis.Client, ttl time.Duration, logger *zap.Logger) (*SnapshotCache, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &SnapshotCache{client: client, ttl: ttl, logger: logger}, nil
}

func snapshotKey(testID uuid.UUID) string {
	return "splitlab:snapshot:" + testID.String()
}

// Get returns the cached snapshot, or nil on a miss. Redis failures are
// logged and reported as misses.
func (c *SnapshotCache) Get(ctx context.Context, testID uuid.UUID) *experiments.Snapshot {
	data, err := c.client.Get(ctx, snapshotKey(testID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		c.logger.Warn("snapshot cache read failed",
			zap.String("test_id", testID.String()),
			zap.Error(err))
		return nil
	}

	var snap experiments.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("snapshot cache entry corrupt, dropping",
			zap.String("test_id", testID.String()),
			zap.Error(err))
		c.Invalidate(ctx, testID)
		return nil
	}
	return &snap
}

// Set stores a snapshot under the TTL. Best effort.
func (c *SnapshotCache) Set(ctx context.Context, snap *experiments.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("snapshot cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, snapshotKey(snap.TestID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("snapshot cache write failed",
			zap.String("test_id", snap.TestID.String()),
			zap.Error(err))
	}
}

// Invalidate drops the cached snapshot, e.g. after a lifecycle transition.
func (c *SnapshotCache) Invalidate(ctx context.Context, testID uuid.UUID) {
	if err := c.client.Del(ctx, snapshotKey(testID)).Err(); err != nil {
		c.logger.Warn("snapshot cache invalidation failed",
			zap.String("test_id", testID.String()),
			zap.Error(err))
	}
}

// Close releases the Redis connection.
func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
