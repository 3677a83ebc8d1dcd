// Package embedding defines the embedding-service interface and an
// OpenAI-compatible implementation. Every embedding-bearing entity in the
// module carries vectors of one fixed, store-wide dimension; the provider
// enforces it on every response.
package embedding

import (
	"context"

	"github.com/memloop/memloop/types"
)

// Provider is the unified embedding-service interface.
type Provider interface {
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, query string) (types.Vector, error)

	// EmbedDocuments embeds multiple documents in one batch.
	EmbedDocuments(ctx context.Context, documents []string) ([]types.Vector, error)

	// Name returns the provider name.
	Name() string

	// Dimensions returns the fixed embedding dimension.
	Dimensions() int
}
