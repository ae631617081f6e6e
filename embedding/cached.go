package embedding

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "chatty:embed:"

// CachedEmbedder wraps an Embedder with a Redis read-through cache keyed
// by SHA-256 of the text, namespaced by model name. Cache failures are
// best-effort: a Redis error never blocks the embed path.
type CachedEmbedder struct {
	inner  Embedder
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedEmbedder wraps inner with a Redis cache. A zero ttl keeps
// cached vectors forever.
func NewCachedEmbedder(inner Embedder, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func (e *CachedEmbedder) Name() string    { return e.inner.Name() }
func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *CachedEmbedder) key(text string) string {
	return cacheKeyPrefix + e.inner.Name() + ":" + TextHash(text)
}

// EmbedQuery returns the cached vector when present, otherwise embeds
// through the inner embedder and stores the result.
func (e *CachedEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	key := e.key(query)

	raw, err := e.rdb.Get(ctx, key).Result()
	if err == nil {
		var vec []float64
		if jsonErr := json.Unmarshal([]byte(raw), &vec); jsonErr == nil && len(vec) > 0 {
			return vec, nil
		}
		// Corrupted entry: fall through and re-embed.
	} else if err != redis.Nil {
		e.logger.Warn("embedding cache read failed", zap.Error(err))
	}

	vec, err := e.inner.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	if data, jsonErr := json.Marshal(vec); jsonErr == nil {
		if setErr := e.rdb.Set(ctx, key, data, e.ttl).Err(); setErr != nil {
			e.logger.Warn("embedding cache write failed", zap.Error(setErr))
		}
	}
	return vec, nil
}
