package embed

import "context"

// Embedder converts text into a fixed-dimensionality vector. Extraction and
// search must share one embedder so their vectors live in the same space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
