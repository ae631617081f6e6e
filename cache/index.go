package cache

import (
	"math"
	"sort"
	"sync"
)

// Match is one nearest-neighbor result from an Index.
type Match struct {
	ID    string
	Score float64
}

// Index provides cosine-similarity nearest-neighbor search over the
// cached entry embeddings. The cache holds tens of vectors, so a flat
// scan is the right tool; the interface leaves room for an ANN-backed
// implementation if the entry budget ever grows.
type Index interface {
	Upsert(id string, vec []float64)
	Delete(id string)
	Nearest(vec []float64, k int) []Match
	Len() int
}

// InMemoryIndex is a flat, mutex-guarded vector index.
type InMemoryIndex struct {
	mu   sync.RWMutex
	vecs map[string][]float64
}

// NewInMemoryIndex creates an empty index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{vecs: make(map[string][]float64)}
}

func (ix *InMemoryIndex) Upsert(id string, vec []float64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cp := make([]float64, len(vec))
	copy(cp, vec)
	ix.vecs[id] = cp
}

func (ix *InMemoryIndex) Delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vecs, id)
}

// Nearest returns up to k matches ordered by descending cosine
// similarity. Vectors of mismatched dimensionality are skipped.
func (ix *InMemoryIndex) Nearest(vec []float64, k int) []Match {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	matches := make([]Match, 0, len(ix.vecs))
	for id, v := range ix.vecs {
		if len(v) != len(vec) {
			continue
		}
		matches = append(matches, Match{ID: id, Score: cosineSimilarity(vec, v)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func (ix *InMemoryIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vecs)
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
