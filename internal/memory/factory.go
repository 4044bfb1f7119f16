package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/tommasoluna/mnemosyne/internal/embed"
)

// NewStore creates a postgres+pgvector store when a database URL is
// configured. Otherwise the backend name picks an in-process index: "chromem"
// for the embedded vector database, anything else for the brute-force
// in-memory store.
func NewStore(ctx context.Context, databaseURL, backend string, embedder embed.Embedder, embeddingDim int) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL, embedder, embeddingDim)
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewInMemoryStore(embedder), nil
	case "chromem":
		return NewChromemStore(embedder), nil
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", backend)
	}
}
