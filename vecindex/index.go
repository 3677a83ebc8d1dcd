// Package vecindex provides the similarity-search index consumed by the
// case and rules bases: upsert a vector with metadata, query nearest
// neighbors with an equality filter. Two implementations ship: an in-memory
// index for local use and tests, and a Qdrant-backed index.
package vecindex

import (
	"context"

	"github.com/memloop/memloop/types"
)

// Result is one nearest-neighbor match.
type Result struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Index is the similarity-search interface. Filters match metadata fields
// by equality; a nil filter matches everything.
type Index interface {
	Upsert(ctx context.Context, id string, vector types.Vector, metadata map[string]any) error
	Query(ctx context.Context, vector types.Vector, filter map[string]any, topK int) ([]Result, error)
	Delete(ctx context.Context, id string) error
}
