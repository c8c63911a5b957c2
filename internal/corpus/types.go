// Package corpus answers top-K nearest-neighbour queries over the ingested
// traffic-law chunks.
package corpus

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a query vector does not match the corpus width.
var ErrDimensionMismatch = errors.New("query vector dimension mismatch")

// Chunk is one ingested slice of a source document. The service never mutates chunks.
type Chunk struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// ScoredChunk pairs a chunk with its cosine distance to the query (smaller is closer).
type ScoredChunk struct {
	Chunk
	Distance float64 `json:"distance"`
}

// Store is the storage contract: up to k chunks by ascending cosine distance,
// ties broken by id or insertion order.
type Store interface {
	Nearest(ctx context.Context, vec []float32, k int) ([]ScoredChunk, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
