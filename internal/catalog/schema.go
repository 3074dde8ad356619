// Package catalog is the PostgreSQL-backed control-plane store: agent
// profiles read at session start, call records written over a call's life,
// and a pgvector document store backing the document-query tool.
//
// All operations share a single [pgxpool.Pool]. The pgvector extension must
// be available in the target database; [Migrate] installs it via CREATE
// EXTENSION IF NOT EXISTS.
package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id                 TEXT         PRIMARY KEY,
    tenant_id          TEXT         NOT NULL,
    name               TEXT         NOT NULL,
    system_prompt      TEXT         NOT NULL DEFAULT '',
    greeting           TEXT         NOT NULL DEFAULT '',
    fallback_utterance TEXT         NOT NULL DEFAULT '',
    temperature        REAL         NOT NULL DEFAULT 0.7,
    max_tokens         INT          NOT NULL DEFAULT 0,
    voice_id           TEXT         NOT NULL DEFAULT '',
    voice_provider     TEXT         NOT NULL DEFAULT '',
    voice_locale       TEXT         NOT NULL DEFAULT 'en-US',
    voice_speed        REAL         NOT NULL DEFAULT 1.0,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agents_tenant_id
    ON agents (tenant_id);
`

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id          TEXT         PRIMARY KEY,
    tenant_id   TEXT         NOT NULL,
    agent_id    TEXT         NOT NULL,
    status      TEXT         NOT NULL DEFAULT 'active',
    end_reason  TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_calls_tenant_id
    ON calls (tenant_id);

CREATE INDEX IF NOT EXISTS idx_calls_status
    ON calls (status);
`

// ddlDocuments returns the document store DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema
// creation time.
func ddlDocuments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    id          TEXT         PRIMARY KEY,
    agent_id    TEXT         NOT NULL,
    title       TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_agent_id
    ON documents (agent_id);

CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all catalog tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g. 1536 for OpenAI text-embedding-3-small). Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlAgents,
		ddlCalls,
		ddlDocuments(embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("catalog migrate: %w", err)
		}
	}
	return nil
}
