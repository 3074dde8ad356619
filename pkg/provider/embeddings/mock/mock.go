// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/invorto-ai/invorto/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider. When EmbedFn is
// nil, Embed returns deterministic vectors derived from each text's length.
type Provider struct {
	mu sync.Mutex

	// Dim is the reported dimensionality. Defaults to 4 when zero.
	Dim int

	// EmbedFn, if set, computes the Embed result per call.
	EmbedFn func(texts []string) [][]float32

	// EmbedErr, if non-nil, is returned from Embed.
	EmbedErr error

	// EmbedCalls records the text batches passed to Embed.
	EmbedCalls [][]string
}

// Compile-time interface check.
var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns configured or derived vectors.
func (p *Provider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := make([]string, len(texts))
	copy(batch, texts)
	p.EmbedCalls = append(p.EmbedCalls, batch)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedFn != nil {
		return p.EmbedFn(texts), nil
	}
	dim := p.dim()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(len(t)+i) / float32(j+1)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns Dim.
func (p *Provider) Dimensions() int { return p.dim() }

func (p *Provider) dim() int {
	if p.Dim > 0 {
		return p.Dim
	}
	return 4
}
