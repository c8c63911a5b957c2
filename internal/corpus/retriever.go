package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/trafficlaw/internal/embedding"
	"github.com/ent0n29/trafficlaw/internal/observability"
)

// Degradation reasons, used as metric labels.
const (
	ReasonInvalidK  = "invalid_k"
	ReasonEmbedding = "embedding"
	ReasonTimeout   = "timeout"
	ReasonStorage   = "storage"
)

// Result is the outcome of a search. A degraded result carries no chunks and
// the failure that caused it; callers continue with zero context.
type Result struct {
	Chunks []ScoredChunk
	Err    error
	Reason string
}

func (r Result) Degraded() bool { return r.Err != nil }

// Contents returns the chunk texts in retrieval order.
func (r Result) Contents() []string {
	out := make([]string, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		out = append(out, c.Content)
	}
	return out
}

// Retriever embeds a query and asks the store for its nearest chunks.
type Retriever struct {
	embedder embedding.Provider
	store    Store
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func NewRetriever(embedder embedding.Provider, store Store, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Retriever {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		timeout:  timeout,
		logger:   logger.With("component", "retriever"),
		metrics:  metrics,
	}
}

// Search never fails: embedding or storage errors yield an empty, degraded result.
func (r *Retriever) Search(ctx context.Context, query string, k int) Result {
	if k <= 0 {
		return r.degrade(ReasonInvalidK, fmt.Errorf("k must be positive, got %d", k))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return r.degrade(ReasonEmbedding, fmt.Errorf("embed query: %w", err))
	}

	chunks, err := r.store.Nearest(ctx, vec, k)
	if err != nil {
		reason := ReasonStorage
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		return r.degrade(reason, fmt.Errorf("nearest chunks: %w", err))
	}
	if len(chunks) > k {
		chunks = chunks[:k]
	}
	if r.metrics != nil {
		r.metrics.RetrievedChunks.Observe(float64(len(chunks)))
	}
	return Result{Chunks: chunks}
}

func (r *Retriever) degrade(reason string, err error) Result {
	r.logger.Warn("retrieval degraded to empty context", "reason", reason, "error", err)
	if r.metrics != nil {
		r.metrics.RetrievalDegraded.WithLabelValues(reason).Inc()
		r.metrics.RetrievedChunks.Observe(0)
	}
	return Result{Chunks: []ScoredChunk{}, Err: err, Reason: reason}
}
