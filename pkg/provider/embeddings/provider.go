// Package embeddings defines the Provider interface for text embedding
// backends, used by the document retrieval tool to vectorise queries and
// documents.
package embeddings

import "context"

// Provider is the abstraction over any embedding backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns one vector per input text, in input order. All vectors
	// have Dimensions() elements.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed dimensionality of the vectors this
	// provider produces.
	Dimensions() int
}
