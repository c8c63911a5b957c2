package corpus

import (
	"context"
	"strings"
)

// NewStore creates a pgvector-backed store when configured, otherwise an
// empty in-memory store.
func NewStore(ctx context.Context, databaseURL, table string, dim int) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(dim), nil
	}
	return NewPostgresStore(ctx, databaseURL, table, dim)
}
