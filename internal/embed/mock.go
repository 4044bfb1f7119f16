package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// MockEmbedder produces deterministic bag-of-words vectors: each token hashes
// into a handful of dimensions, so texts sharing words land close together in
// cosine space. Good enough for local runs and tests; not a real model.
type MockEmbedder struct {
	dimensions int
}

func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.dimensions)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		seed := h.Sum64()
		// Spread each token over a few dimensions so short texts still get
		// non-degenerate vectors.
		for i := 0; i < 4; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			idx := int(seed % uint64(m.dimensions))
			if seed&1 == 0 {
				vec[idx] += 1
			} else {
				vec[idx] -= 1
			}
		}
	}
	return normalize(vec), nil
}

func (m *MockEmbedder) Dimensions() int { return m.dimensions }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
