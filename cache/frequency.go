package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FrequencyTracker counts miss observations per pending cluster inside
// a sliding window. Counts are shared across service instances.
type FrequencyTracker interface {
	// Increment adds one observation to the cluster and returns the
	// new count. The window TTL is armed on the first observation and
	// left untouched afterwards, so a cluster that goes quiet
	// re-enters cold.
	Increment(ctx context.Context, clusterID string, window time.Duration) (int64, error)

	// Count returns the current observation count, zero when the
	// cluster is unknown or its window lapsed.
	Count(ctx context.Context, clusterID string) (int64, error)

	// Reset discards the cluster's count, typically after admission.
	Reset(ctx context.Context, clusterID string) error
}

const freqKeyPrefix = "chatty:cache:freq:"

// RedisFrequencyTracker implements FrequencyTracker on Redis counters.
type RedisFrequencyTracker struct {
	client redis.UniversalClient
}

func NewRedisFrequencyTracker(client redis.UniversalClient) *RedisFrequencyTracker {
	return &RedisFrequencyTracker{client: client}
}

func (t *RedisFrequencyTracker) Increment(ctx context.Context, clusterID string, window time.Duration) (int64, error) {
	key := freqKeyPrefix + clusterID

	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment cluster %s: %w", clusterID, err)
	}
	return incr.Val(), nil
}

func (t *RedisFrequencyTracker) Count(ctx context.Context, clusterID string) (int64, error) {
	n, err := t.client.Get(ctx, freqKeyPrefix+clusterID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cluster %s: %w", clusterID, err)
	}
	return n, nil
}

func (t *RedisFrequencyTracker) Reset(ctx context.Context, clusterID string) error {
	if err := t.client.Del(ctx, freqKeyPrefix+clusterID).Err(); err != nil {
		return fmt.Errorf("reset cluster %s: %w", clusterID, err)
	}
	return nil
}
