package toolexec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invorto-ai/invorto/pkg/types"
)

// RetrievedDoc is one knowledge-base hit returned to the model.
type RetrievedDoc struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Retriever searches an agent's knowledge base. The catalog package
// provides the production implementation backed by vector search.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]RetrievedDoc, error)
}

// RegisterDocQueryTool adds the "query_documents" tool over the given
// retriever.
func RegisterDocQueryTool(e *Executor, r Retriever) error {
	def := types.ToolDefinition{
		Name:        "query_documents",
		Description: "Searches the agent's knowledge base and returns the most relevant passages.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1.0},
				"limit": map[string]any{"type": "integer", "minimum": 1.0, "maximum": 10.0},
			},
			"required": []any{"query"},
		},
		Idempotent: true,
	}

	return e.Register(def, func(ctx context.Context, args string) (string, error) {
		var req struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return "", fmt.Errorf("decode query arguments: %w", err)
		}
		if req.Limit == 0 {
			req.Limit = 3
		}

		docs, err := r.Retrieve(ctx, req.Query, req.Limit)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(map[string]any{"documents": docs})
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}
