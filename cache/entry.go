// Package cache implements the two-tier semantic response cache:
// vector-similarity lookup over GOLDEN and DYNAMIC entries,
// frequency-gated admission of new clusters, and hybrid TTL/LFU
// eviction for the DYNAMIC tier.
package cache

import (
	"errors"
	"time"
)

// Tier identifies which admission path created an entry.
type Tier string

const (
	// TierGolden entries are curated at load time, immutable, and
	// never evicted.
	TierGolden Tier = "golden"

	// TierDynamic entries are auto-discovered via frequency-gated
	// admission and always carry an expiry.
	TierDynamic Tier = "dynamic"
)

// Entry is one cached question/answer pair.
type Entry struct {
	ID        string    `json:"id"`
	Tier      Tier      `json:"tier"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Embedding []float64 `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
	LastHitAt time.Time `json:"last_hit_at"`
	HitCount  int64     `json:"hit_count"`
	// ExpiresAt is zero for GOLDEN entries.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry's TTL has passed. GOLDEN entries
// never expire.
func (e *Entry) Expired(now time.Time) bool {
	return e.Tier == TierDynamic && !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// PendingCandidate tracks a semantic cluster of misses that has not yet
// crossed the admission threshold. The cluster centroid is the
// embedding of the first query that opened the cluster; subsequent
// misses within the similarity threshold count against it.
type PendingCandidate struct {
	ClusterID    string    `json:"cluster_id"`
	Question     string    `json:"question"`
	Embedding    []float64 `json:"embedding"`
	WindowExpiry time.Time `json:"window_expiry"`
}

// LookupResult is the outcome of a cache lookup. On a miss, ClusterID
// names the pending cluster the query was counted against and
// AdmitEligible tells the orchestrator to call Admit once generation
// completes.
type LookupResult struct {
	Hit           bool
	Answer        string
	Entry         *Entry
	Similarity    float64
	ClusterID     string
	AdmitEligible bool
}

// ErrCacheUnavailable signals that the cache infrastructure (embedding
// capability or backing store) is unreachable. Callers bypass the cache
// and fall through to generation; the error never reaches end users.
var ErrCacheUnavailable = errors.New("semantic cache unavailable")
