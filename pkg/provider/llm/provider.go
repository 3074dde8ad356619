// Package llm defines the Provider interface for large language model
// backends.
//
// An LLM provider wraps a remote or local model API and exposes a uniform
// interface for the agent runtime to perform streaming completions, count
// tokens, and inspect model capabilities without coupling to any specific
// SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/invorto-ai/invorto/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model. Callers
	// should check Capabilities().SupportsToolCalling first.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. 0.0 requests
	// greedy decoding.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the
	// conversation history. Providers without a dedicated system field
	// prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty when the chunk
	// carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", "error", or "" for non-final chunks.
	FinishReason string

	// ToolCalls contains fully accumulated tool invocations. Set only on the
	// final chunk of a tool-calling turn.
	ToolCalls []types.ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use. Each method must propagate
// context cancellation promptly; cancelling the StreamCompletion context is
// the barge-in path and must stop generation as quickly as possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed when
	// generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel. Errors occurring after the channel is
	// opened are surfaced as a Chunk with FinishReason "error"; the initial
	// error return is non-nil only for failures that prevent the stream from
	// starting. The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience wrapper
	// for callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the context-window cost of the given messages.
	// The result need not be exact but should not undercount; the agent
	// runtime uses it to prune history against the token budget.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the lifetime of the Provider instance.
	Capabilities() types.ModelCapabilities
}
