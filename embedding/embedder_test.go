package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_EmbedQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1,0.2,0.3]}],"model":"test-embed"}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "test-embed", Dimensions: 3})
	vec, err := c.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
}

func TestClient_EmbedQueryUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.EmbedQuery(context.Background(), "hello")
	require.Error(t, err)
	var embErr *EmbeddingError
	assert.ErrorAs(t, err, &embErr)
}

type countingEmbedder struct {
	calls atomic.Int64
}

func (c *countingEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	c.calls.Add(1)
	return []float64{1, 0, 0}, nil
}

func (c *countingEmbedder) Dimensions() int { return 3 }
func (c *countingEmbedder) Name() string    { return "counting" }

func TestCachedEmbedder_ReadThrough(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, rdb, time.Hour, zap.NewNop())

	ctx := context.Background()
	vec1, err := cached.EmbedQuery(ctx, "same query")
	require.NoError(t, err)
	vec2, err := cached.EmbedQuery(ctx, "same query")
	require.NoError(t, err)

	assert.Equal(t, vec1, vec2)
	assert.Equal(t, int64(1), inner.calls.Load(), "second call should be served from cache")
}

func TestCachedEmbedder_RedisDownFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:1"}) // unreachable
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, rdb, time.Hour, zap.NewNop())

	vec, err := cached.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 0}, vec)
	assert.Equal(t, int64(1), inner.calls.Load())
}

func TestTextHash_Stable(t *testing.T) {
	assert.Equal(t, TextHash("abc"), TextHash("abc"))
	assert.NotEqual(t, TextHash("abc"), TextHash("abd"))
	assert.Len(t, TextHash("abc"), 64)
}
