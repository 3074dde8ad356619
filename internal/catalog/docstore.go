package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/invorto-ai/invorto/internal/toolexec"
	"github.com/invorto-ai/invorto/pkg/provider/embeddings"
)

// snippetLen caps the content excerpt returned to the model.
const snippetLen = 400

// Document is one knowledge-base entry with its pre-computed embedding.
type Document struct {
	ID        string
	AgentID   string
	Title     string
	Content   string
	Embedding []float32
}

// DocumentStore is the pgvector-backed knowledge base. Obtain one via
// [Store.Documents].
type DocumentStore struct {
	pool *pgxpool.Pool
}

// Index upserts a document. The embedding must already be computed with the
// deployment's embedding model.
func (d *DocumentStore) Index(ctx context.Context, doc Document) error {
	const q = `
		INSERT INTO documents (id, agent_id, title, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    agent_id  = EXCLUDED.agent_id,
		    title     = EXCLUDED.title,
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	_, err := d.pool.Exec(ctx, q,
		doc.ID, doc.AgentID, doc.Title, doc.Content, pgvector.NewVector(doc.Embedding))
	if err != nil {
		return fmt.Errorf("catalog: index document: %w", err)
	}
	return nil
}

// Search finds the limit documents closest (cosine distance) to the query
// embedding, optionally scoped to one agent. Results are ordered most
// similar first.
func (d *DocumentStore) Search(ctx context.Context, embedding []float32, agentID string, limit int) ([]toolexec.RetrievedDoc, error) {
	args := []any{pgvector.NewVector(embedding)}
	where := ""
	if agentID != "" {
		args = append(args, agentID)
		where = "WHERE agent_id = $2"
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT title, content, embedding <=> $1 AS distance
		FROM   documents
		%s
		ORDER  BY distance
		LIMIT  $%d`, where, len(args))

	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: search documents: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (toolexec.RetrievedDoc, error) {
		var (
			doc      toolexec.RetrievedDoc
			content  string
			distance float64
		)
		if err := row.Scan(&doc.Title, &content, &distance); err != nil {
			return toolexec.RetrievedDoc{}, err
		}
		doc.Snippet = snippet(content)
		// Cosine distance is in [0, 2]; fold it into a similarity score.
		doc.Score = 1 - distance/2
		return doc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: scan documents: %w", err)
	}
	return docs, nil
}

func snippet(content string) string {
	if len(content) <= snippetLen {
		return content
	}
	return content[:snippetLen]
}

// Retriever adapts the document store plus an embedding provider to the
// tool executor's retrieval contract for one agent.
type Retriever struct {
	docs     *DocumentStore
	embedder embeddings.Provider
	agentID  string
}

var _ toolexec.Retriever = (*Retriever)(nil)

// NewRetriever scopes document retrieval to one agent's knowledge base.
func NewRetriever(docs *DocumentStore, embedder embeddings.Provider, agentID string) *Retriever {
	return &Retriever{docs: docs, embedder: embedder, agentID: agentID}
}

// Retrieve embeds the query and runs a similarity search.
func (r *Retriever) Retrieve(ctx context.Context, query string, limit int) ([]toolexec.RetrievedDoc, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("catalog: embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("catalog: embedder returned %d vectors for one text", len(vectors))
	}
	return r.docs.Search(ctx, vectors[0], r.agentID, limit)
}
