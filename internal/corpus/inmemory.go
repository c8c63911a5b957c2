package corpus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// InMemoryStore is a brute-force cosine store for local/dev use and tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	dim    int
	nextID int64
	chunks []storedChunk
}

type storedChunk struct {
	chunk Chunk
	vec   []float32
}

func NewInMemoryStore(dim int) *InMemoryStore {
	return &InMemoryStore{dim: dim, nextID: 1}
}

// Add inserts a chunk with its embedding. A zero ID is assigned the next free id.
func (s *InMemoryStore) Add(c Chunk, vec []float32) (Chunk, error) {
	if len(vec) != s.dim {
		return Chunk{}, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextID
	}
	if c.ID >= s.nextID {
		s.nextID = c.ID + 1
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	s.chunks = append(s.chunks, storedChunk{chunk: c, vec: stored})
	return c, nil
}

func (s *InMemoryStore) Nearest(ctx context.Context, vec []float32, k int) ([]ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	scored := make([]ScoredChunk, 0, len(s.chunks))
	for _, sc := range s.chunks {
		scored = append(scored, ScoredChunk{Chunk: sc.chunk, Distance: cosineDistance(vec, sc.vec)})
	}
	s.mu.RUnlock()

	// Stable sort keeps insertion order for equal distances.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Distance < scored[j].Distance
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *InMemoryStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.chunks)), nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
