// Package mocks provides deterministic in-process doubles for the
// generation and embedding services, for use in tests.
package mocks

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/memloop/memloop/types"
)

// HashEmbedder maps text to a fixed-dimension bag-of-tokens vector. Texts
// sharing tokens get higher cosine similarity, so ranking behavior can be
// asserted without a real embedding service.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder returns an embedder with the given dimensionality.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{Dim: dim}
}

func (e *HashEmbedder) Name() string    { return "hash" }
func (e *HashEmbedder) Dimensions() int { return e.Dim }

// EmbedQuery embeds a single text.
func (e *HashEmbedder) EmbedQuery(_ context.Context, text string) (types.Vector, error) {
	return e.embed(text), nil
}

// EmbedDocuments embeds a batch.
func (e *HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([]types.Vector, error) {
	out := make([]types.Vector, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *HashEmbedder) embed(text string) types.Vector {
	vec := make(types.Vector, e.Dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%e.Dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
