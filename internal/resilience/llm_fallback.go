package resilience

import (
	"context"

	"github.com/invorto-ai/invorto/pkg/provider/llm"
	"github.com/invorto-ai/invorto/pkg/types"
)

// LLMFallback implements [llm.Provider] with failover across multiple model
// backends. Each backend sits behind its own breaker; when the primary fails
// or its breaker is open, the next healthy backend is tried.
type LLMFallback struct {
	chain *FallbackChain[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg ChainConfig) *LLMFallback {
	return &LLMFallback{chain: NewFallbackChain(primary, primaryName, cfg)}
}

// AddFallback registers another backend to try after the primary.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.chain.Add(name, provider)
}

// StreamCompletion opens a stream on the first healthy backend. Failover
// covers the connection attempt only; once a stream is established,
// mid-stream errors surface to the caller as error chunks.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return DoWithResult(f.chain, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete sends req to the first healthy backend and returns its response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return DoWithResult(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens delegates to the first healthy backend's counter.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return DoWithResult(f.chain, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the primary backend's capabilities. Static metadata
// does not participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	if len(f.chain.members) > 0 {
		return f.chain.members[0].value.Capabilities()
	}
	return types.ModelCapabilities{}
}
