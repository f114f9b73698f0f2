// Package embed provides the embedding provider abstraction and its
// OpenAI implementation.
package embed

import "context"

// Embedder computes vector embeddings for batches of texts.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the model identifier the vectors belong to.
	Model() string
}
