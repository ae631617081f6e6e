package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chattyhq/chatty/embedding"
)

// Config controls lookup, admission, and eviction behavior.
type Config struct {
	// SimilarityThreshold applies to both entry matching and pending
	// cluster matching.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// AdmissionCount is the number of observations a pending cluster
	// needs inside AdmissionWindow before its next answer is admitted.
	AdmissionCount int64 `yaml:"admission_count"`
	// AdmissionWindow bounds how long a pending cluster stays warm.
	AdmissionWindow time.Duration `yaml:"admission_window"`
	// EntryTTL is the sliding expiry applied to DYNAMIC entries.
	EntryTTL time.Duration `yaml:"entry_ttl"`
	// MaxDynamicEntries caps the DYNAMIC tier. GOLDEN entries do not
	// count against the budget.
	MaxDynamicEntries int `yaml:"max_dynamic_entries"`
	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.95,
		AdmissionCount:      3,
		AdmissionWindow:     time.Hour,
		EntryTTL:            24 * time.Hour,
		MaxDynamicEntries:   30,
		SweepInterval:       5 * time.Minute,
	}
}

// GoldenPair is one curated question/answer loaded from persona config.
type GoldenPair struct {
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	GoldenEntries  int
	DynamicEntries int
}

const sweepLockName = "sweep"

// SemanticCache is the two-tier response cache. Lookups run against an
// in-process vector index; DYNAMIC entries, pending clusters, and
// observation counts are persisted in Redis so instances converge.
type SemanticCache struct {
	cfg      Config
	embedder embedding.Embedder
	index    Index
	freq     FrequencyTracker
	store    Store
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	now func() time.Time
}

// NewSemanticCache wires the cache together. The index starts empty;
// call LoadGolden and Restore before serving traffic.
func NewSemanticCache(cfg Config, embedder embedding.Embedder, freq FrequencyTracker, store Store, logger *zap.Logger) *SemanticCache {
	return &SemanticCache{
		cfg:      cfg,
		embedder: embedder,
		index:    NewInMemoryIndex(),
		freq:     freq,
		store:    store,
		logger:   logger,
		entries:  make(map[string]*Entry),
		now:      time.Now,
	}
}

// LoadGolden embeds and installs the curated tier. Golden entries are
// kept in process only; they are rebuilt from persona config on every
// start and never persisted.
func (c *SemanticCache) LoadGolden(ctx context.Context, pairs []GoldenPair) error {
	for _, p := range pairs {
		vec, err := c.embedder.EmbedQuery(ctx, p.Question)
		if err != nil {
			return fmt.Errorf("embed golden question %q: %w", p.Question, err)
		}
		e := &Entry{
			ID:        uuid.NewString(),
			Tier:      TierGolden,
			Question:  p.Question,
			Answer:    p.Answer,
			Embedding: vec,
			CreatedAt: c.now(),
		}
		c.install(e)
	}
	c.logger.Info("golden tier loaded", zap.Int("entries", len(pairs)))
	return nil
}

// Restore reloads persisted DYNAMIC entries into the index after a
// restart. Expired entries are skipped and cleaned lazily by the
// sweeper.
func (c *SemanticCache) Restore(ctx context.Context) error {
	persisted, err := c.store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("restore dynamic tier: %w", err)
	}
	now := c.now()
	restored := 0
	for _, e := range persisted {
		if e.Expired(now) {
			continue
		}
		c.install(e)
		restored++
	}
	c.logger.Info("dynamic tier restored", zap.Int("entries", restored))
	return nil
}

func (c *SemanticCache) install(e *Entry) {
	c.mu.Lock()
	c.entries[e.ID] = e
	c.mu.Unlock()
	c.index.Upsert(e.ID, e.Embedding)
}

func (c *SemanticCache) remove(ids ...string) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.index.Delete(id)
	}
}

// Lookup embeds the query and searches both tiers. On a hit it refreshes
// the entry's usage stats (and, for DYNAMIC entries, slides the TTL
// forward). On a miss it assigns the query to a pending cluster and
// counts the observation; AdmitEligible is set once the cluster crosses
// the admission threshold.
//
// Lookup returns ErrCacheUnavailable when the query cannot be embedded.
// Redis trouble on the miss path degrades to a plain miss instead of an
// error.
func (c *SemanticCache) Lookup(ctx context.Context, query string) (*LookupResult, error) {
	vec, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	if e, score := c.hit(ctx, vec); e != nil {
		return &LookupResult{Hit: true, Answer: e.Answer, Entry: e, Similarity: score}, nil
	}

	clusterID, count := c.observeMiss(ctx, query, vec)
	return &LookupResult{
		ClusterID:     clusterID,
		AdmitEligible: clusterID != "" && count >= c.cfg.AdmissionCount,
	}, nil
}

// hit resolves the nearest entry, refreshes its usage stats, and
// returns a snapshot. Field access on the live entry, including the
// copy handed to the store, stays inside one critical section so
// concurrent lookups and evictions never see a half-updated entry.
func (c *SemanticCache) hit(ctx context.Context, vec []float64) (*Entry, float64) {
	matches := c.index.Nearest(vec, 1)
	if len(matches) == 0 || matches[0].Score < c.cfg.SimilarityThreshold {
		return nil, 0
	}
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[matches[0].ID]
	if !ok || e.Expired(now) {
		c.mu.Unlock()
		return nil, 0
	}
	e.HitCount++
	e.LastHitAt = now
	if e.Tier == TierDynamic {
		e.ExpiresAt = now.Add(c.cfg.EntryTTL)
	}
	snap := *e
	c.mu.Unlock()

	if snap.Tier == TierDynamic {
		if err := c.store.PutEntry(ctx, &snap, c.cfg.EntryTTL); err != nil {
			c.logger.Warn("entry refresh not persisted", zap.String("entry", snap.ID), zap.Error(err))
		}
	}
	return &snap, matches[0].Score
}

// observeMiss assigns the query to an existing pending cluster or opens
// a new one, then bumps the shared observation count. Any Redis failure
// is logged and swallowed so a miss stays a miss.
func (c *SemanticCache) observeMiss(ctx context.Context, query string, vec []float64) (string, int64) {
	pending, err := c.store.Pending(ctx)
	if err != nil {
		c.logger.Warn("pending clusters unavailable", zap.Error(err))
		return "", 0
	}

	clusterID := ""
	best := c.cfg.SimilarityThreshold
	for _, p := range pending {
		if len(p.Embedding) != len(vec) {
			continue
		}
		if score := cosineSimilarity(vec, p.Embedding); score >= best {
			best = score
			clusterID = p.ClusterID
		}
	}

	if clusterID == "" {
		cand := &PendingCandidate{
			ClusterID:    uuid.NewString(),
			Question:     query,
			Embedding:    vec,
			WindowExpiry: c.now().Add(c.cfg.AdmissionWindow),
		}
		if err := c.store.PutPending(ctx, cand, c.cfg.AdmissionWindow); err != nil {
			c.logger.Warn("pending cluster not persisted", zap.Error(err))
			return "", 0
		}
		clusterID = cand.ClusterID
	}

	count, err := c.freq.Increment(ctx, clusterID, c.cfg.AdmissionWindow)
	if err != nil {
		c.logger.Warn("observation count unavailable", zap.String("cluster", clusterID), zap.Error(err))
		return clusterID, 0
	}
	return clusterID, count
}

// Admit installs a DYNAMIC entry for a pending cluster that crossed the
// admission threshold. The cluster's opening question becomes the
// canonical question; admission is keyed by cluster ID, so concurrent
// admits for the same cluster are last-write-wins rather than
// duplicates. The pending bookkeeping is cleared afterwards.
func (c *SemanticCache) Admit(ctx context.Context, clusterID, query, answer string) error {
	question := query
	var vec []float64

	if pending, err := c.store.Pending(ctx); err == nil {
		for _, p := range pending {
			if p.ClusterID == clusterID {
				question = p.Question
				vec = p.Embedding
				break
			}
		}
	}
	if vec == nil {
		var err error
		vec, err = c.embedder.EmbedQuery(ctx, question)
		if err != nil {
			return fmt.Errorf("embed admitted question: %w", err)
		}
	}

	now := c.now()
	e := &Entry{
		ID:        clusterID,
		Tier:      TierDynamic,
		Question:  question,
		Answer:    answer,
		Embedding: vec,
		CreatedAt: now,
		LastHitAt: now,
		HitCount:  1,
		ExpiresAt: now.Add(c.cfg.EntryTTL),
	}
	c.install(e)

	if err := c.store.PutEntry(ctx, e, c.cfg.EntryTTL); err != nil {
		c.logger.Warn("admitted entry not persisted", zap.String("entry", e.ID), zap.Error(err))
	}
	if err := c.store.DeletePending(ctx, clusterID); err != nil {
		c.logger.Warn("pending cluster not cleared", zap.String("cluster", clusterID), zap.Error(err))
	}
	if err := c.freq.Reset(ctx, clusterID); err != nil {
		c.logger.Warn("observation count not cleared", zap.String("cluster", clusterID), zap.Error(err))
	}

	c.logger.Info("dynamic entry admitted",
		zap.String("entry", e.ID),
		zap.String("question", question))

	c.Evict(ctx)
	return nil
}

// Evict removes expired DYNAMIC entries, then trims the DYNAMIC tier to
// the configured budget, dropping the least-frequently-used entries
// first and breaking ties by oldest last hit. GOLDEN entries are never
// touched.
func (c *SemanticCache) Evict(ctx context.Context) {
	now := c.now()

	type candidate struct {
		id        string
		hitCount  int64
		lastHitAt time.Time
	}

	// Usage stats are read under the lock; lookups update them
	// concurrently.
	c.mu.RLock()
	var victims []string
	live := make([]candidate, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Tier != TierDynamic {
			continue
		}
		if e.Expired(now) {
			victims = append(victims, e.ID)
			continue
		}
		live = append(live, candidate{id: e.ID, hitCount: e.HitCount, lastHitAt: e.LastHitAt})
	}
	c.mu.RUnlock()

	if over := len(live) - c.cfg.MaxDynamicEntries; over > 0 {
		sort.Slice(live, func(i, j int) bool {
			if live[i].hitCount != live[j].hitCount {
				return live[i].hitCount < live[j].hitCount
			}
			return live[i].lastHitAt.Before(live[j].lastHitAt)
		})
		for _, e := range live[:over] {
			victims = append(victims, e.id)
		}
	}

	if len(victims) == 0 {
		return
	}
	c.remove(victims...)
	if err := c.store.DeleteEntries(ctx, victims...); err != nil {
		c.logger.Warn("evicted entries not removed from store", zap.Error(err))
	}
	c.logger.Info("dynamic entries evicted", zap.Int("count", len(victims)))
}

// Sweep runs eviction under the shared advisory lock. It returns
// immediately when another instance holds the lock.
func (c *SemanticCache) Sweep(ctx context.Context) {
	ok, err := c.store.TryLock(ctx, sweepLockName, c.cfg.SweepInterval)
	if err != nil {
		c.logger.Warn("sweep lock unavailable", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := c.store.Unlock(ctx, sweepLockName); err != nil {
			c.logger.Warn("sweep lock not released", zap.Error(err))
		}
	}()
	c.Evict(ctx)
}

// RunSweeper blocks, sweeping on the configured interval until the
// context is canceled.
func (c *SemanticCache) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Stats reports current per-tier occupancy.
func (c *SemanticCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var s Stats
	now := c.now()
	for _, e := range c.entries {
		switch {
		case e.Tier == TierGolden:
			s.GoldenEntries++
		case !e.Expired(now):
			s.DynamicEntries++
		}
	}
	return s
}
