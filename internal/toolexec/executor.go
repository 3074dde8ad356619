// Package toolexec runs the tools an agent may call during a turn.
//
// Tools are registered with a JSON Schema describing their arguments; every
// invocation is validated against that schema before the handler runs, so a
// hallucinated argument shape is rejected with a message the model can act
// on instead of crashing the handler. Each call runs under its own timeout,
// and tools marked idempotent get one retry on failure.
//
// Built-in tools (document retrieval, calendar, allowlisted HTTP) live in
// this package; external tools are imported from MCP servers via
// [MCPBridge.Connect].
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/pkg/types"
)

// ErrUnknownTool is returned when a call names a tool that was never
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArguments is returned when a call's arguments fail schema
// validation. The wrapped message is safe to feed back to the model.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Handler executes one tool call. args is the raw JSON argument string,
// already validated against the tool's schema.
type Handler func(ctx context.Context, args string) (string, error)

// registeredTool pairs a definition with its compiled schema and handler.
type registeredTool struct {
	def     types.ToolDefinition
	schema  *jsonschema.Schema
	handler Handler
}

// Executor is the tool registry and dispatcher.
type Executor struct {
	cfg     config.ToolsConfig
	metrics *observe.Metrics

	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewExecutor creates an empty [Executor]. A nil metrics falls back to
// [observe.DefaultMetrics].
func NewExecutor(cfg config.ToolsConfig, metrics *observe.Metrics) *Executor {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Executor{
		cfg:     cfg,
		metrics: metrics,
		tools:   make(map[string]registeredTool),
	}
}

// Register adds a tool. The definition's Parameters schema is compiled
// eagerly so malformed schemas fail at startup, not mid-call. Registering
// an existing name replaces the previous tool.
func (e *Executor) Register(def types.ToolDefinition, h Handler) error {
	if def.Name == "" {
		return errors.New("toolexec: tool definition has no name")
	}
	if h == nil {
		return fmt.Errorf("toolexec: tool %q has no handler", def.Name)
	}

	schema, err := compileSchema(def.Name, def.Parameters)
	if err != nil {
		return fmt.Errorf("toolexec: tool %q schema: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[def.Name] = registeredTool{def: def, schema: schema, handler: h}
	return nil
}

// compileSchema compiles a Parameters map into a validator. A nil map
// compiles to the permissive empty object schema.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := c.AddResource(url, params); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Definitions implements the agent's executor contract: the registered
// tools sorted by name for a stable prompt layout.
func (e *Executor) Definitions() []types.ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(e.tools))
	for _, t := range e.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute validates and runs one tool call under its timeout. Idempotent
// tools are retried once on failure; cancellation is never retried.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall) (string, error) {
	e.mu.RLock()
	tool, ok := e.tools[call.Name]
	e.mu.RUnlock()
	if !ok {
		e.metrics.RecordToolCall(ctx, call.Name, "unknown")
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}

	if err := e.validateArgs(tool, call.Arguments); err != nil {
		e.metrics.RecordToolCall(ctx, call.Name, "invalid_args")
		return "", err
	}

	start := time.Now()
	result, err := e.run(ctx, tool, call.Arguments)
	if err != nil && tool.def.Idempotent && ctx.Err() == nil {
		slog.Debug("toolexec: retrying idempotent tool", "tool", call.Name, "error", err)
		result, err = e.run(ctx, tool, call.Arguments)
	}
	e.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", call.Name)))

	if err != nil {
		e.metrics.RecordToolCall(ctx, call.Name, "error")
		return "", err
	}
	e.metrics.RecordToolCall(ctx, call.Name, "ok")
	return result, nil
}

// run executes the handler under the tool's timeout.
func (e *Executor) run(ctx context.Context, tool registeredTool, args string) (string, error) {
	timeout := e.cfg.DefaultTimeout()
	if tool.def.TimeoutMs > 0 {
		timeout = time.Duration(tool.def.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return tool.handler(ctx, args)
}

// validateArgs checks the raw argument JSON against the tool's schema.
func (e *Executor) validateArgs(tool registeredTool, args string) error {
	if args == "" {
		args = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrInvalidArguments, err)
	}
	if err := tool.schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
