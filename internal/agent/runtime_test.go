package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/pkg/provider/llm"
	llmmock "github.com/invorto-ai/invorto/pkg/provider/llm/mock"
	"github.com/invorto-ai/invorto/pkg/types"
)

// fakeExecutor is a call-recording ToolExecutor.
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]string
	err     error
	calls   []types.ToolCall
}

func (f *fakeExecutor) Execute(_ context.Context, call types.ToolCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.err != nil {
		return "", f.err
	}
	return f.results[call.Name], nil
}

func (f *fakeExecutor) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{{Name: "lookup", Description: "lookup things"}}
}

func newTestRuntime(t *testing.T, provider llm.Provider, tools ToolExecutor, cfg Config) *Runtime {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return NewRuntime(provider, tools, cfg, metrics)
}

// eventRecorder collects Events callbacks for assertions.
type eventRecorder struct {
	mu        sync.Mutex
	deltas    []string
	fragments []string
	toolCalls []types.ToolCall
}

func (r *eventRecorder) events() Events {
	return Events{
		OnDelta: func(text string) {
			r.mu.Lock()
			r.deltas = append(r.deltas, text)
			r.mu.Unlock()
		},
		OnFragment: func(text string) {
			r.mu.Lock()
			r.fragments = append(r.fragments, text)
			r.mu.Unlock()
		},
		OnToolCall: func(call types.ToolCall) {
			r.mu.Lock()
			r.toolCalls = append(r.toolCalls, call)
			r.mu.Unlock()
		},
	}
}

func TestRunTurnStreamsPlainResponse(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Sure, "},
		{Text: "I can do that."},
		{FinishReason: "stop"},
	}}
	r := newTestRuntime(t, provider, nil, Config{SystemPrompt: "be brief"})

	rec := &eventRecorder{}
	result, err := r.RunTurn(context.Background(), "book a table", rec.events())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "Sure, I can do that." {
		t.Errorf("Text = %q", result.Text)
	}
	if result.UsedFallback || result.Interrupted {
		t.Errorf("result flags = %+v, want clean turn", result)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if strings.Join(rec.deltas, "") != "Sure, I can do that." {
		t.Errorf("deltas = %q", rec.deltas)
	}
	if len(rec.fragments) == 0 {
		t.Error("no fragments emitted")
	}

	// History holds both sides of the exchange.
	msgs := r.History().Messages()
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("history = %+v", msgs)
	}
}

func TestRunTurnExecutesToolsAndLoops(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunkQueue: [][]llm.Chunk{
		{
			{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{
				{ID: "t1", Name: "lookup", Arguments: `{"q":"hours"}`},
			}},
		},
		{
			{Text: "We open at nine.", FinishReason: "stop"},
		},
	}}
	exec := &fakeExecutor{results: map[string]string{"lookup": `{"hours":"9-17"}`}}
	r := newTestRuntime(t, provider, exec, Config{})

	rec := &eventRecorder{}
	result, err := r.RunTurn(context.Background(), "when do you open", rec.events())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "We open at nine." {
		t.Errorf("Text = %q", result.Text)
	}
	if result.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", result.ToolCalls)
	}

	exec.mu.Lock()
	if len(exec.calls) != 1 || exec.calls[0].Name != "lookup" {
		t.Errorf("executor calls = %+v", exec.calls)
	}
	exec.mu.Unlock()

	// History: user, assistant(tool_calls), tool, assistant.
	msgs := r.History().Messages()
	if len(msgs) != 4 {
		t.Fatalf("history len = %d, want 4", len(msgs))
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "t1" {
		t.Errorf("tool message = %+v", msgs[2])
	}

	// The second request must include the tool result.
	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(calls))
	}
	second := calls[1].Req.Messages
	if second[len(second)-1].Role != "tool" {
		t.Errorf("second request tail = %+v, want tool result", second[len(second)-1])
	}
}

func TestRunTurnToolErrorFeedsModel(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunkQueue: [][]llm.Chunk{
		{
			{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{
				{ID: "t1", Name: "lookup", Arguments: `{}`},
			}},
		},
		{
			{Text: "Sorry, that lookup failed.", FinishReason: "stop"},
		},
	}}
	exec := &fakeExecutor{err: errors.New("backend unavailable")}
	r := newTestRuntime(t, provider, exec, Config{})

	result, err := r.RunTurn(context.Background(), "check it", Events{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "Sorry, that lookup failed." {
		t.Errorf("Text = %q", result.Text)
	}

	msgs := r.History().Messages()
	if !strings.Contains(msgs[2].Content, "backend unavailable") {
		t.Errorf("tool result = %q, want the error surfaced to the model", msgs[2].Content)
	}
}

func TestRunTurnEnforcesToolBudget(t *testing.T) {
	t.Parallel()

	twoCalls := []llm.Chunk{
		{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{
			{ID: "a", Name: "lookup"},
			{ID: "b", Name: "lookup"},
		}},
	}
	provider := &llmmock.Provider{StreamChunkQueue: [][]llm.Chunk{
		twoCalls,
		{{Text: "Done.", FinishReason: "stop"}},
	}}
	exec := &fakeExecutor{results: map[string]string{"lookup": "ok"}}
	r := newTestRuntime(t, provider, exec, Config{MaxToolCallsPerTurn: 1})

	result, err := r.RunTurn(context.Background(), "go", Events{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1 (budget)", result.ToolCalls)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.calls) != 1 {
		t.Errorf("executor ran %d calls, want 1", len(exec.calls))
	}

	// The refused call still gets a result message so the model can react.
	msgs := r.History().Messages()
	var toolMsgs int
	for _, m := range msgs {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	if toolMsgs != 2 {
		t.Errorf("tool result messages = %d, want 2", toolMsgs)
	}
}

func TestRunTurnFallsBackWhenStreamNeverOpens(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamErr: errors.New("upstream down")}
	r := newTestRuntime(t, provider, nil, Config{
		MaxLLMRetries:     1,
		FallbackUtterance: "Sorry, could you say that again?",
	})

	rec := &eventRecorder{}
	result, err := r.RunTurn(context.Background(), "hello", rec.events())
	if !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("err = %v, want ErrTurnFailed", err)
	}
	if !result.UsedFallback || result.Text != "Sorry, could you say that again?" {
		t.Errorf("result = %+v, want fallback", result)
	}

	// Retries happened: initial attempt plus MaxLLMRetries.
	if got := len(provider.Calls()); got != 2 {
		t.Errorf("stream attempts = %d, want 2", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.fragments) != 1 || rec.fragments[0] != "Sorry, could you say that again?" {
		t.Errorf("fragments = %q, want the fallback utterance", rec.fragments)
	}
}

// hangingProvider emits one chunk and then holds the stream open until the
// context is cancelled, modelling a generation cut off mid-sentence.
type hangingProvider struct {
	first llm.Chunk
}

func (p *hangingProvider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- p.first
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (p *hangingProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *hangingProvider) CountTokens([]types.Message) (int, error) { return 0, nil }

func (p *hangingProvider) Capabilities() types.ModelCapabilities { return types.ModelCapabilities{} }

func TestRunTurnInterruptedRecordsPartial(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &hangingProvider{first: llm.Chunk{Text: "As I was saying, the "}}
	r := newTestRuntime(t, provider, nil, Config{})

	var once sync.Once
	ev := Events{OnDelta: func(string) { once.Do(cancel) }}

	result, err := r.RunTurn(ctx, "tell me about the weather", ev)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !result.Interrupted {
		t.Error("result not marked interrupted")
	}
	if result.Text != "As I was saying, the " {
		t.Errorf("partial text = %q", result.Text)
	}

	msgs := r.History().Messages()
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || !last.Interrupted {
		t.Errorf("last history entry = %+v, want interrupted assistant", last)
	}
}
