package toolexec

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/pkg/types"
)

func newTestExecutor(t *testing.T, cfg config.ToolsConfig) *Executor {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return NewExecutor(cfg, metrics)
}

func echoDef(name string) types.ToolDefinition {
	return types.ToolDefinition{
		Name: name,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
	}
}

func TestExecuteRunsHandler(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, config.ToolsConfig{})
	if err := e.Register(echoDef("echo"), func(_ context.Context, args string) (string, error) {
		return args, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := e.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != `{"text":"hi"}` {
		t.Errorf("result = %q", got)
	}
}

func TestExecuteRejectsUnknownTool(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, config.ToolsConfig{})
	_, err := e.Execute(context.Background(), types.ToolCall{Name: "nonexistent"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, config.ToolsConfig{})
	var ran atomic.Bool
	if err := e.Register(echoDef("echo"), func(context.Context, string) (string, error) {
		ran.Store(true)
		return "", nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name string
		args string
	}{
		{"not json", `{{`},
		{"missing required", `{}`},
		{"wrong type", `{"text":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), types.ToolCall{Name: "echo", Arguments: tt.args})
			if !errors.Is(err, ErrInvalidArguments) {
				t.Fatalf("err = %v, want ErrInvalidArguments", err)
			}
		})
	}
	if ran.Load() {
		t.Error("handler ran on invalid arguments")
	}
}

func TestExecuteRetriesIdempotentTools(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, config.ToolsConfig{})
	def := types.ToolDefinition{Name: "flaky", Idempotent: true}
	var calls atomic.Int32
	if err := e.Register(def, func(context.Context, string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := e.Execute(context.Background(), types.ToolCall{Name: "flaky", Arguments: `{}`})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "ok" || calls.Load() != 2 {
		t.Errorf("result = %q after %d calls, want ok after 2", got, calls.Load())
	}
}

func TestExecuteDoesNotRetryNonIdempotentTools(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, config.ToolsConfig{})
	var calls atomic.Int32
	if err := e.Register(types.ToolDefinition{Name: "charge"}, func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", errors.New("declined")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := e.Execute(context.Background(), types.ToolCall{Name: "charge", Arguments: `{}`}); err == nil {
		t.Fatal("want error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want exactly 1", calls.Load())
	}
}

func TestExecuteAppliesTimeout(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, config.ToolsConfig{DefaultTimeoutMs: 10_000})
	def := types.ToolDefinition{Name: "slow", TimeoutMs: 20}
	if err := e.Register(def, func(ctx context.Context, _ string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	start := time.Now()
	_, err := e.Execute(context.Background(), types.ToolCall{Name: "slow", Arguments: `{}`})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, the per-tool 20ms bound did not apply", elapsed)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	t.Parallel()

	def := types.ToolDefinition{
		Name:       "broken",
		Parameters: map[string]any{"type": "not-a-type"},
	}
	e := newTestExecutor(t, config.ToolsConfig{})
	if err := e.Register(def, func(context.Context, string) (string, error) { return "", nil }); err == nil {
		t.Fatal("want schema compile error")
	}
}

func TestDefinitionsSortedByName(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, config.ToolsConfig{})
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := e.Register(types.ToolDefinition{Name: name}, func(context.Context, string) (string, error) {
			return "", nil
		}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	defs := e.Definitions()
	want := []string{"alpha", "mid", "zeta"}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Fatalf("Definitions order = %v", defs)
		}
	}
}
