package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/invorto-ai/invorto/pkg/types"
)

// httpToolMaxBody caps the response body returned to the model.
const httpToolMaxBody = 64 * 1024

// httpToolArgs is the argument shape of the built-in HTTP tool.
type httpToolArgs struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// httpToolResult is the serialised result of the built-in HTTP tool.
type httpToolResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// RegisterHTTPTool adds the generic "http_request" tool, constrained to the
// configured URL allowlist. An empty allowlist disables the tool entirely,
// which is the safe default for agents that should never reach the network.
func RegisterHTTPTool(e *Executor, allowlist []string, client *http.Client) error {
	if len(allowlist) == 0 {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	def := types.ToolDefinition{
		Name:        "http_request",
		Description: "Performs an HTTP request against an approved endpoint and returns the status code and body.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"method": map[string]any{
					"type": "string",
					"enum": []any{"GET", "POST", "PUT", "DELETE"},
				},
				"url":     map[string]any{"type": "string"},
				"headers": map[string]any{"type": "object"},
				"body":    map[string]any{"type": "string"},
			},
			"required": []any{"method", "url"},
		},
		Idempotent: false,
	}

	return e.Register(def, func(ctx context.Context, args string) (string, error) {
		var req httpToolArgs
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return "", fmt.Errorf("decode http tool arguments: %w", err)
		}
		if !urlAllowed(req.URL, allowlist) {
			return "", fmt.Errorf("url %q is not on the allowlist", req.URL)
		}

		var body io.Reader
		if req.Body != "" {
			body = strings.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return "", err
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, httpToolMaxBody))
		if err != nil {
			return "", err
		}

		out, err := json.Marshal(httpToolResult{Status: resp.StatusCode, Body: string(data)})
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}

// urlAllowed reports whether url matches one of the allowlisted prefixes.
func urlAllowed(url string, allowlist []string) bool {
	for _, prefix := range allowlist {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
