// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the agent runtime sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/invorto-ai/invorto/pkg/provider/llm"
	"github.com/invorto-ai/invorto/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Zero values for response
// fields cause methods to return zero values and nil errors. Set Err fields
// to inject errors.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence emitted on the channel returned by
	// StreamCompletion before it is closed.
	StreamChunks []llm.Chunk

	// StreamChunkQueue, if non-empty, is consumed one slice per
	// StreamCompletion call before StreamChunks is considered. Use it when
	// consecutive turns must see different responses.
	StreamChunkQueue [][]llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StreamErr error

	// StreamErrs, if non-empty, is consumed one error per call before
	// StreamErr is considered. Nil entries let the call succeed.
	StreamErrs []error

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned from Complete.
	CompleteErr error

	// TokenCount is returned by CountTokens. When TokenCountFn is set it
	// takes precedence.
	TokenCount int

	// TokenCountFn, if set, computes the CountTokens result per call.
	TokenCountFn func(messages []types.Message) int

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and returns a channel that emits the
// configured chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if len(p.StreamErrs) > 0 {
		err := p.StreamErrs[0]
		p.StreamErrs = p.StreamErrs[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	} else if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	if len(p.StreamChunkQueue) > 0 {
		chunks = p.StreamChunkQueue[0]
		p.StreamChunkQueue = p.StreamChunkQueue[1:]
	} else {
		chunks = make([]llm.Chunk, len(p.StreamChunks))
		copy(chunks, p.StreamChunks)
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns TokenCountFn(messages) when set, TokenCount otherwise.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCountFn != nil {
		return p.TokenCountFn(messages), nil
	}
	return p.TokenCount, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns the recorded StreamCompletion invocations. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}
