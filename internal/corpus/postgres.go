package corpus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads chunks from a pgvector table populated by the ingestion job.
// Expected columns: id, content, file_source (nullable), embedding vector(D).
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	dim   int
}

func NewPostgresStore(ctx context.Context, databaseURL, table string, dim int) (*PostgresStore, error) {
	if strings.TrimSpace(table) == "" {
		table = "document"
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
		dim:   dim,
	}, nil
}

func (s *PostgresStore) Nearest(ctx context.Context, vec []float32, k int) ([]ScoredChunk, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	// <=> is pgvector's cosine distance; an ivfflat/hnsw index with
	// vector_cosine_ops accelerates this ordering.
	query := fmt.Sprintf(
		`SELECT id, content, COALESCE(file_source, ''), embedding <=> $1::vector AS distance
		 FROM %s ORDER BY distance, id LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, vectorLiteral(vec), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest chunks: %w", err)
	}
	defer rows.Close()

	out := make([]ScoredChunk, 0, k)
	for rows.Next() {
		var c ScoredChunk
		if err := rows.Scan(&c.ID, &c.Content, &c.Source, &c.Distance); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders v in pgvector's text input format, e.g. "[0.1,-0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
