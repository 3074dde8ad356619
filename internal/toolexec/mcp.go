package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/pkg/types"
)

// MCPBridge connects to external MCP tool servers and registers their tools
// on an [Executor]. Tool names are prefixed with the server name
// ("<server>.<tool>") so two servers can expose a tool of the same name.
type MCPBridge struct {
	executor *Executor
	client   *mcpsdk.Client
	sessions map[string]*mcpsdk.ClientSession
}

// NewMCPBridge creates a bridge that registers discovered tools on executor.
func NewMCPBridge(executor *Executor) *MCPBridge {
	return &MCPBridge{
		executor: executor,
		client: mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    "invorto",
			Version: "1.0.0",
		}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect dials one MCP server, discovers its tools, and registers each on
// the executor. Reconnecting an already-known server name replaces the old
// session.
func (b *MCPBridge) Connect(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolexec: mcp server config must have a name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("toolexec: unknown transport %q for mcp server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolexec: stdio mcp server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolexec: streamable-http mcp server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolexec: connect to mcp server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolexec: list tools on mcp server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	b.sessions[cfg.Name] = session

	for _, tool := range discovered {
		def := types.ToolDefinition{
			Name:        cfg.Name + "." + tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		}
		if err := b.executor.Register(def, callHandler(session, tool.Name)); err != nil {
			return fmt.Errorf("toolexec: register mcp tool %q: %w", def.Name, err)
		}
	}
	return nil
}

// callHandler builds an executor [Handler] that forwards to one MCP tool.
func callHandler(session *mcpsdk.ClientSession, toolName string) Handler {
	return func(ctx context.Context, args string) (string, error) {
		var argsMap map[string]any
		if args != "" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("decode tool arguments: %w", err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("mcp tool %q: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("mcp tool %q: %s", toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all server sessions. The registered tools remain on the
// executor but will fail when called.
func (b *MCPBridge) Close() error {
	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolexec: close mcp server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// schemaToMap normalises an MCP input schema into the map form used by
// [types.ToolDefinition].
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits "bin --flag value" into the executable and its args.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
