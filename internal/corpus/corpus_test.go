package corpus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/trafficlaw/internal/embedding"
)

func TestInMemoryStoreNearestOrdering(t *testing.T) {
	s := NewInMemoryStore(2)
	_, err := s.Add(Chunk{Content: "far", Source: "a.pdf"}, []float32{0, 1})
	require.NoError(t, err)
	_, err = s.Add(Chunk{Content: "near"}, []float32{1, 0.1})
	require.NoError(t, err)
	_, err = s.Add(Chunk{Content: "tie-second"}, []float32{1, 0.1})
	require.NoError(t, err)

	got, err := s.Nearest(context.Background(), []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].Content)
	assert.Equal(t, "tie-second", got[1].Content)
	assert.LessOrEqual(t, got[0].Distance, got[1].Distance)
	assert.Equal(t, int64(2), got[0].ID)
}

func TestInMemoryStoreEdgeCases(t *testing.T) {
	s := NewInMemoryStore(2)
	got, err := s.Nearest(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Add(Chunk{Content: "only"}, []float32{1, 0})
	require.NoError(t, err)
	got, err = s.Nearest(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = s.Nearest(context.Background(), []float32{1, 0, 0}, 5)
	require.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = s.Add(Chunk{Content: "bad"}, []float32{1})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[0.5,-1,0]", vectorLiteral([]float32{0.5, -1, 0}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}

type failingStore struct {
	err error
}

func (f failingStore) Nearest(context.Context, []float32, int) ([]ScoredChunk, error) {
	return nil, f.err
}
func (f failingStore) Count(context.Context) (int64, error) { return 0, f.err }
func (f failingStore) Ping(context.Context) error           { return f.err }
func (f failingStore) Close() error                         { return nil }

type failingEmbedder struct{}

func (failingEmbedder) Name() string   { return "failing" }
func (failingEmbedder) Dimension() int { return 4 }
func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model unavailable")
}

func TestRetrieverSearchReturnsNearest(t *testing.T) {
	emb := embedding.NewHashProvider(64)
	store := NewInMemoryStore(64)
	for _, text := range []string{
		"BAC limit is 0.05% for private drivers",
		"Seatbelt use is mandatory for front seat passengers",
		"Motorcycle helmets must carry the ICC sticker",
	} {
		vec, err := emb.Embed(context.Background(), text)
		require.NoError(t, err)
		_, err = store.Add(Chunk{Content: text, Source: "RA10586.pdf"}, vec)
		require.NoError(t, err)
	}

	r := NewRetriever(emb, store, time.Second, nil, nil)
	res := r.Search(context.Background(), "BAC limit is 0.05% for private drivers", 2)
	require.False(t, res.Degraded())
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "BAC limit is 0.05% for private drivers", res.Chunks[0].Content)
	assert.InDelta(t, 0, res.Chunks[0].Distance, 1e-5)
	assert.Equal(t, res.Contents()[0], res.Chunks[0].Content)
}

func TestRetrieverDegradesOnStorageFailure(t *testing.T) {
	r := NewRetriever(embedding.NewHashProvider(4), failingStore{err: errors.New("connection refused")}, time.Second, nil, nil)
	res := r.Search(context.Background(), "What is the BAC limit?", 5)
	assert.True(t, res.Degraded())
	assert.Equal(t, ReasonStorage, res.Reason)
	assert.NotNil(t, res.Chunks)
	assert.Empty(t, res.Chunks)

	r = NewRetriever(embedding.NewHashProvider(4), failingStore{err: context.DeadlineExceeded}, time.Second, nil, nil)
	res = r.Search(context.Background(), "q", 5)
	assert.Equal(t, ReasonTimeout, res.Reason)
}

func TestRetrieverDegradesOnEmbeddingFailureAndBadK(t *testing.T) {
	r := NewRetriever(failingEmbedder{}, NewInMemoryStore(4), time.Second, nil, nil)
	res := r.Search(context.Background(), "q", 5)
	assert.Equal(t, ReasonEmbedding, res.Reason)
	assert.Empty(t, res.Chunks)

	res = r.Search(context.Background(), "q", 0)
	assert.Equal(t, ReasonInvalidK, res.Reason)
}

func TestPostgresStoreIntegration(t *testing.T) {
	url := os.Getenv("TRAFFICLAW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TRAFFICLAW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url, "document", 384)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(ctx))
	vec, err := embedding.NewHashProvider(384).Embed(ctx, "speed limit")
	require.NoError(t, err)
	got, err := s.Nearest(ctx, vec, 3)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 3)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}
}
