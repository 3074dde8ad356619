// Package agent holds the turn-taking runtime that sits between transcripts
// and synthesised speech.
//
// The [Runtime] is deliberately free of I/O beyond its injected
// dependencies: transcripts and tool results go in, text deltas, speakable
// fragments, and tool invocations come out through the [Events] callbacks.
// The session supervisor owns all wiring to the network, which keeps the
// turn logic testable with mocks alone.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/pkg/provider/llm"
	"github.com/invorto-ai/invorto/pkg/types"
)

// ErrTurnFailed is returned when the LLM could not produce a response even
// after retries and the fallback utterance was spoken instead.
var ErrTurnFailed = errors.New("turn failed")

// ToolExecutor runs tool calls requested by the model.
type ToolExecutor interface {
	// Execute runs one call and returns the result serialised for the
	// model. Errors are returned as errors, not stuffed into the result.
	Execute(ctx context.Context, call types.ToolCall) (string, error)

	// Definitions lists the tools to offer the model.
	Definitions() []types.ToolDefinition
}

// Events receives runtime output during a turn. Nil callbacks are skipped.
// Callbacks run on the runtime's goroutine and must return promptly.
type Events struct {
	// OnDelta fires for every incremental text chunk from the model.
	OnDelta func(text string)

	// OnFragment fires for every speakable fragment ready for TTS.
	OnFragment func(text string)

	// OnToolCall fires when the model requests a tool, before execution.
	OnToolCall func(call types.ToolCall)

	// OnToolResult fires after a tool execution settles.
	OnToolResult func(callID, result string, err error)
}

func (e Events) delta(text string) {
	if e.OnDelta != nil {
		e.OnDelta(text)
	}
}

func (e Events) fragment(text string) {
	if e.OnFragment != nil {
		e.OnFragment(text)
	}
}

// Config tunes a [Runtime].
type Config struct {
	// SystemPrompt is injected into every completion request.
	SystemPrompt string

	// Temperature is passed through to the model.
	Temperature float64

	// MaxTokens caps each completion. Zero means provider default.
	MaxTokens int

	// TokenBudget bounds the history size fed to the model. Zero disables
	// pruning.
	TokenBudget int

	// MaxToolCallsPerTurn bounds tool invocations within one turn. Further
	// requests are answered with an error result so the model can recover.
	MaxToolCallsPerTurn int

	// MaxLLMRetries bounds reconnection attempts when opening a completion
	// stream fails.
	MaxLLMRetries int

	// FallbackUtterance is spoken when the model fails after retries.
	FallbackUtterance string
}

// TurnResult summarises one completed turn.
type TurnResult struct {
	// Text is the full assistant response, or the fallback utterance.
	Text string

	// Interrupted reports that the turn was cut short by cancellation
	// (the barge-in path). The partial text is kept in history.
	Interrupted bool

	// UsedFallback reports that the fallback utterance replaced a model
	// response.
	UsedFallback bool

	// ToolCalls is the number of tools executed during the turn.
	ToolCalls int
}

// Runtime drives the agent side of a conversation: history management,
// streaming completions, tool dispatch, and fallback behaviour.
//
// Not safe for concurrent use; a session runs turns sequentially.
type Runtime struct {
	provider llm.Provider
	tools    ToolExecutor
	cfg      Config
	metrics  *observe.Metrics

	history History
}

// NewRuntime creates a [Runtime]. tools may be nil for agents without any.
// A nil metrics falls back to [observe.DefaultMetrics].
func NewRuntime(provider llm.Provider, tools ToolExecutor, cfg Config, metrics *observe.Metrics) *Runtime {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if cfg.MaxLLMRetries <= 0 {
		cfg.MaxLLMRetries = 2
	}
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = 5
	}
	return &Runtime{provider: provider, tools: tools, cfg: cfg, metrics: metrics}
}

// History exposes the conversation history, mainly for session teardown
// reporting.
func (r *Runtime) History() *History { return &r.history }

// RunTurn processes one user utterance: it appends the transcript to
// history, streams a completion, dispatches any tool calls, and loops until
// the model produces a plain response. Cancelling ctx stops generation and
// records the partial response as interrupted.
func (r *Runtime) RunTurn(ctx context.Context, userText string, ev Events) (TurnResult, error) {
	r.history.Append(types.Message{Role: "user", Content: userText})

	var result TurnResult
	for {
		if err := r.pruneHistory(); err != nil {
			slog.Warn("agent: history pruning failed", "error", err)
		}

		chunks, err := r.openStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				result.Interrupted = true
				return result, ctx.Err()
			}
			return r.speakFallback(ev, result)
		}

		text, toolCalls, interrupted := r.consumeStream(ctx, chunks, ev)
		result.Text += text

		if interrupted {
			r.history.Append(types.Message{Role: "assistant", Content: result.Text, Interrupted: true})
			result.Interrupted = true
			return result, ctx.Err()
		}

		if len(toolCalls) == 0 {
			r.history.Append(types.Message{Role: "assistant", Content: result.Text})
			return result, nil
		}

		r.history.Append(types.Message{Role: "assistant", Content: text, ToolCalls: toolCalls})
		if err := r.dispatchTools(ctx, toolCalls, &result, ev); err != nil {
			result.Interrupted = true
			return result, err
		}
	}
}

// openStream opens a completion stream, retrying transient failures with
// exponential backoff.
func (r *Runtime) openStream(ctx context.Context) (<-chan llm.Chunk, error) {
	req := llm.CompletionRequest{
		Messages:     r.history.Messages(),
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
		SystemPrompt: r.cfg.SystemPrompt,
	}
	if r.tools != nil {
		req.Tools = r.tools.Definitions()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var chunks <-chan llm.Chunk
	op := func() error {
		var err error
		chunks, err = r.provider.StreamCompletion(ctx, req)
		if err != nil {
			r.metrics.RecordProviderError(ctx, "llm", "stream_open")
			return err
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(r.cfg.MaxLLMRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// consumeStream drains one completion stream, forwarding deltas and
// fragments. Returns the accumulated text, any tool calls from the final
// chunk, and whether the stream was cut short by cancellation.
func (r *Runtime) consumeStream(ctx context.Context, chunks <-chan llm.Chunk, ev Events) (string, []types.ToolCall, bool) {
	var (
		buf       strings.Builder
		toolCalls []types.ToolCall
	)

	fragments := make(chan string, 16)
	fragDone := make(chan struct{})
	go func() {
		defer close(fragDone)
		for frag := range fragments {
			ev.fragment(frag)
		}
	}()

	tee := make(chan llm.Chunk, 16)
	chunkerDone := make(chan struct{})
	go func() {
		defer close(chunkerDone)
		defer close(fragments)
		ForwardSentences(ctx, tee, fragments)
		// The chunker may return early on cancellation; keep the tee
		// drained so the main loop never blocks.
		for range tee {
		}
	}()

	sawFinish := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				ev.delta(chunk.Text)
			}
			if chunk.FinishReason != "" {
				sawFinish = true
			}
			if chunk.FinishReason == "error" {
				r.metrics.RecordProviderError(ctx, "llm", "mid_stream")
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			tee <- chunk
		}
	}

	close(tee)
	<-chunkerDone
	<-fragDone

	// A cancelled context with no finish chunk means the generation was
	// cut off, whichever select branch ended the loop first.
	interrupted := ctx.Err() != nil && !sawFinish
	if interrupted {
		go func() {
			for range chunks {
			}
		}()
	}
	return buf.String(), toolCalls, interrupted
}

// dispatchTools executes the model's tool calls in order, appending each
// result to history. Calls beyond the per-turn cap are refused with an
// error result rather than executed.
func (r *Runtime) dispatchTools(ctx context.Context, calls []types.ToolCall, result *TurnResult, ev Events) error {
	for _, call := range calls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ev.OnToolCall != nil {
			ev.OnToolCall(call)
		}

		var (
			output string
			err    error
		)
		if result.ToolCalls >= r.cfg.MaxToolCallsPerTurn {
			err = fmt.Errorf("tool call budget of %d per turn exhausted", r.cfg.MaxToolCallsPerTurn)
		} else if r.tools == nil {
			err = errors.New("no tool executor configured")
		} else {
			result.ToolCalls++
			output, err = r.tools.Execute(ctx, call)
		}

		if ev.OnToolResult != nil {
			ev.OnToolResult(call.ID, output, err)
		}
		if err != nil {
			output = fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		r.history.Append(types.Message{Role: "tool", Content: output, ToolCallID: call.ID})
	}
	return nil
}

// speakFallback emits the configured fallback utterance in place of a model
// response.
func (r *Runtime) speakFallback(ev Events, result TurnResult) (TurnResult, error) {
	result.UsedFallback = true
	result.Text = r.cfg.FallbackUtterance
	if result.Text != "" {
		ev.delta(result.Text)
		ev.fragment(result.Text)
		r.history.Append(types.Message{Role: "assistant", Content: result.Text})
	}
	return result, ErrTurnFailed
}

func (r *Runtime) pruneHistory() error {
	return r.history.Prune(r.provider.CountTokens, r.cfg.TokenBudget)
}
