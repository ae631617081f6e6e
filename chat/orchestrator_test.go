package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/chattyhq/chatty/cache"
	"github.com/chattyhq/chatty/llm"
	"github.com/chattyhq/chatty/tools"
)

type vecEmbedder struct {
	vecs map[string][]float64
	err  error
}

func (v *vecEmbedder) EmbedQuery(_ context.Context, text string) ([]float64, error) {
	if v.err != nil {
		return nil, v.err
	}
	if vec, ok := v.vecs[text]; ok {
		return vec, nil
	}
	return []float64{0, 0, 1}, nil
}

func (v *vecEmbedder) Dimensions() int { return 3 }
func (v *vecEmbedder) Name() string    { return "stub" }

type recordEntry struct {
	session, role, content string
	cacheHit               bool
}

type fakeRecorder struct {
	entries []recordEntry
}

func (r *fakeRecorder) Record(_ context.Context, session, role, content string, cacheHit bool) error {
	r.entries = append(r.entries, recordEntry{session, role, content, cacheHit})
	return nil
}

type fakeMetrics struct {
	lookups    map[string]int
	admissions int
	outcomes   map[string]int
	tools      map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		lookups:  make(map[string]int),
		outcomes: make(map[string]int),
		tools:    make(map[string]int),
	}
}

func (m *fakeMetrics) CacheLookup(result string)          { m.lookups[result]++ }
func (m *fakeMetrics) CacheAdmission()                    { m.admissions++ }
func (m *fakeMetrics) TurnOutcome(outcome string)         { m.outcomes[outcome]++ }
func (m *fakeMetrics) ToolInvocation(tool, status string) { m.tools[tool+"/"+status]++ }

type orchestratorFixture struct {
	orch     *Orchestrator
	provider *scriptedProvider
	cache    *cache.SemanticCache
	embedder *vecEmbedder
	recorder *fakeRecorder
	metrics  *fakeMetrics
}

func newOrchestratorFixture(t *testing.T, rounds [][]llm.StreamChunk) *orchestratorFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	embedder := &vecEmbedder{vecs: map[string][]float64{
		"what is your name":  {1, 0, 0},
		"favorite food":      {0, 1, 0},
		"preferred food":     {0, 1, 0},
		"food you like best": {0, 1, 0},
	}}
	sc := cache.NewSemanticCache(cache.DefaultConfig(), embedder,
		cache.NewRedisFrequencyTracker(client), cache.NewRedisStore(client), zap.NewNop())
	require.NoError(t, sc.LoadGolden(context.Background(), []cache.GoldenPair{
		{Question: "what is your name", Answer: "I'm Ava."},
	}))

	provider := &scriptedProvider{rounds: rounds}
	loop := NewLoop(provider, tools.NewRegistry(0, zap.NewNop()), LoopConfig{}, zap.NewNop())
	recorder := &fakeRecorder{}
	metrics := newFakeMetrics()
	orch := NewOrchestrator(loop, OrchestratorOptions{
		Cache:        sc,
		Recorder:     recorder,
		Metrics:      metrics,
		SystemPrompt: "You are Ava.",
		Logger:       zap.NewNop(),
	})
	return &orchestratorFixture{
		orch: orch, provider: provider, cache: sc, embedder: embedder,
		recorder: recorder, metrics: metrics,
	}
}

func TestOrchestratorCacheHitSkipsModel(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	events := collect(t, f.orch.Chat(context.Background(), Request{
		SessionID: "s1", Query: "what is your name",
	}))

	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Type)
	assert.Equal(t, "I'm Ava.", events[0].Content)
	assert.Empty(t, f.provider.requests, "a hit must not reach the model")

	require.Len(t, f.recorder.entries, 2)
	assert.True(t, f.recorder.entries[0].cacheHit)
	assert.True(t, f.recorder.entries[1].cacheHit)

	assert.Equal(t, 1, f.metrics.lookups["hit"])
	assert.Equal(t, 1, f.metrics.outcomes["cache_hit"])
}

func TestOrchestratorMissGeneratesAndAdmits(t *testing.T) {
	f := newOrchestratorFixture(t, [][]llm.StreamChunk{
		{contentDelta("Ramen, always.")},
		{contentDelta("Ramen, always.")},
		{contentDelta("Ramen, always.")},
	})
	ctx := context.Background()

	for _, q := range []string{"favorite food", "preferred food", "food you like best"} {
		events := collect(t, f.orch.Chat(ctx, Request{SessionID: "s1", Query: q}))
		require.Len(t, events, 1)
		assert.Equal(t, "Ramen, always.", events[0].Content)
	}
	require.Len(t, f.provider.requests, 3)

	// The cluster was admitted on the third completion, so the next
	// paraphrase is served from the cache.
	events := collect(t, f.orch.Chat(ctx, Request{SessionID: "s2", Query: "favorite food"}))
	require.Len(t, events, 1)
	assert.Equal(t, "Ramen, always.", events[0].Content)
	assert.Len(t, f.provider.requests, 3, "the fourth turn must not reach the model")

	assert.Equal(t, 1, f.metrics.admissions)
	assert.Equal(t, 3, f.metrics.lookups["miss"])
	assert.Equal(t, 1, f.metrics.lookups["hit"])
	assert.Equal(t, 3, f.metrics.outcomes["completed"])
}

func TestOrchestratorSkipsCacheOnLaterTurns(t *testing.T) {
	f := newOrchestratorFixture(t, [][]llm.StreamChunk{
		{contentDelta("Still Ava.")},
	})

	events := collect(t, f.orch.Chat(context.Background(), Request{
		SessionID: "s1",
		Query:     "what is your name",
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
	}))

	require.Len(t, events, 1)
	assert.Equal(t, "Still Ava.", events[0].Content)
	require.Len(t, f.provider.requests, 1, "later turns bypass the cache")

	// System prompt first, then history, then the new user turn.
	msgs := f.provider.requests[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You are Ava.", msgs[0].Content)
	assert.Equal(t, "what is your name", msgs[3].Content)
}

func TestOrchestratorCacheUnavailableFallsThrough(t *testing.T) {
	f := newOrchestratorFixture(t, [][]llm.StreamChunk{
		{contentDelta("generated anyway")},
	})
	f.embedder.err = errors.New("embedding backend down")

	events := collect(t, f.orch.Chat(context.Background(), Request{
		SessionID: "s1", Query: "what is your name",
	}))

	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Type)
	assert.Equal(t, "generated anyway", events[0].Content)
	assert.Equal(t, 1, f.metrics.lookups["bypass"])
	assert.Zero(t, f.metrics.admissions)
}

func TestOrchestratorModelFailureNotRecordedOrAdmitted(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.provider.streamErr = &llm.Error{Code: llm.ErrUpstreamError, Message: "bad gateway"}

	ctx := context.Background()
	var events []StreamEvent
	// Drive the cluster to eligibility; every attempt fails terminally.
	for _, q := range []string{"favorite food", "preferred food", "food you like best"} {
		events = collect(t, f.orch.Chat(ctx, Request{SessionID: "s1", Query: q}))
	}
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Empty(t, f.recorder.entries, "failed turns are not recorded")

	// Nothing was admitted: a fresh lookup still reaches the model.
	f.provider.streamErr = nil
	f.provider.rounds = [][]llm.StreamChunk{{contentDelta("Ramen.")}}
	events = collect(t, f.orch.Chat(ctx, Request{SessionID: "s2", Query: "favorite food"}))
	require.Len(t, events, 1)
	assert.Equal(t, "Ramen.", events[0].Content)
}

func TestOrchestratorEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newOrchestratorFixture(t, [][]llm.StreamChunk{
		{contentDelta("Ramen, always.")},
	})
	collect(t, f.orch.Chat(context.Background(), Request{
		SessionID: "s1", Query: "favorite food",
	}))

	names := make(map[string]int)
	for _, s := range recorder.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["chat.turn"])
	assert.Equal(t, 1, names["cache.lookup"])
	assert.Equal(t, 1, names["chat.round"])
}
