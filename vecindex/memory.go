package vecindex

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/memloop/memloop/types"
	"go.uber.org/zap"
)

// MemoryIndexConfig configures the in-memory index.
type MemoryIndexConfig struct {
	// Dimension, when > 0, validates stored and queried vectors.
	Dimension int
}

type memoryEntry struct {
	vector   types.Vector
	metadata map[string]any
}

// MemoryIndex is an exact-scan cosine index. It suits local development,
// tests, and small deployments; larger ones use the Qdrant index.
type MemoryIndex struct {
	mu        sync.RWMutex
	items     map[string]memoryEntry
	dimension int
	logger    *zap.Logger
}

// NewMemoryIndex creates an in-memory similarity index.
func NewMemoryIndex(cfg MemoryIndexConfig, logger *zap.Logger) *MemoryIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryIndex{
		items:     make(map[string]memoryEntry),
		dimension: cfg.Dimension,
		logger:    logger.With(zap.String("component", "vecindex_memory")),
	}
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(ctx context.Context, id string, vector types.Vector, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(vector) == 0 {
		return fmt.Errorf("vector is required")
	}
	if m.dimension > 0 && len(vector) != m.dimension {
		return types.Errorf(types.ErrDimensionMismatch,
			"vector dimension mismatch: got %d want %d", len(vector), m.dimension)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[id] = memoryEntry{
		vector:   append(types.Vector(nil), vector...),
		metadata: cloneMetadata(metadata),
	}
	return nil
}

// Query implements Index.
func (m *MemoryIndex) Query(ctx context.Context, vector types.Vector, filter map[string]any, topK int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}
	if m.dimension > 0 && len(vector) != m.dimension {
		return nil, types.Errorf(types.ErrDimensionMismatch,
			"query dimension mismatch: got %d want %d", len(vector), m.dimension)
	}
	if topK <= 0 {
		return []Result{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Result, 0, len(m.items))
	for id, ent := range m.items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !matchesFilter(ent.metadata, filter) {
			continue
		}
		results = append(results, Result{
			ID:       id,
			Score:    types.CosineSimilarity(vector, ent.vector),
			Metadata: cloneMetadata(ent.metadata),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

// Delete implements Index.
func (m *MemoryIndex) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func matchesFilter(metadata, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if metadata == nil {
		return false
	}
	for k, v := range filter {
		mv, ok := metadata[k]
		if !ok || !reflect.DeepEqual(mv, v) {
			return false
		}
	}
	return true
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
