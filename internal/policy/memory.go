package policy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

// MemoryStore is a brute-force Store for small corpora and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks []authorization.PolicyChunk
	dims   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add appends chunks in order. Every vector must have the same length.
func (s *MemoryStore) Add(_ context.Context, chunks []authorization.PolicyChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dims := s.dims
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", c.ID)
		}
		if dims == 0 {
			dims = len(c.Embedding)
		}
		if len(c.Embedding) != dims {
			return fmt.Errorf("chunk %s: %w: %d != %d", c.ID, ErrDimensionMismatch, len(c.Embedding), dims)
		}
	}
	s.dims = dims
	s.chunks = append(s.chunks, chunks...)
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

// Search implements Store.
func (s *MemoryStore) Search(_ context.Context, query []float32, topK int, filters Filters, minScore float64) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.chunks) == 0 || topK <= 0 {
		return []Match{}, nil
	}
	if len(query) != s.dims {
		return nil, fmt.Errorf("query: %w: %d != %d", ErrDimensionMismatch, len(query), s.dims)
	}

	matches := make([]Match, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !filterMatches(filters.PlanID, c.PlanID) || !filterMatches(filters.DrugID, c.DrugID) {
			continue
		}
		score := Cosine(query, c.Embedding)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{Chunk: c, Score: score})
	}

	// Stable sort keeps insertion order for equal scores.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func filterMatches(want, have string) bool {
	return want == "" || have == "" || strings.EqualFold(want, have)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector. The vectors must have the same length.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
