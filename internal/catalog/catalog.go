package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/pkg/types"
)

// ErrAgentNotFound is returned when no agent profile exists for an ID.
var ErrAgentNotFound = errors.New("agent not found")

// ErrCallNotFound is returned when no call record exists for an ID.
var ErrCallNotFound = errors.New("call not found")

// AgentProfile is the persisted configuration of one voice agent, read at
// session start.
type AgentProfile struct {
	ID                string
	TenantID          string
	Name              string
	SystemPrompt      string
	Greeting          string
	FallbackUtterance string
	Temperature       float64
	MaxTokens         int
	Voice             types.VoiceProfile
}

// CallRecord is the lifecycle row of one call.
type CallRecord struct {
	ID        string
	TenantID  string
	AgentID   string
	Status    string
	EndReason string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Store is the PostgreSQL-backed catalog client.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	docs *DocumentStore
}

// NewStore connects to the catalog database, registers pgvector types on
// every connection, and runs [Migrate].
func NewStore(ctx context.Context, cfg config.CatalogConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse dsn: %w", err)
	}

	// Register pgvector types so the documents table can be scanned into and
	// inserted from pgvector.Vector values.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if err := Migrate(ctx, pool, cfg.EmbeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}

	return &Store{pool: pool, docs: &DocumentStore{pool: pool}}, nil
}

// Documents returns the pgvector-backed document store.
func (s *Store) Documents() *DocumentStore { return s.docs }

// Ping reports database reachability, used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Agent loads one agent profile by ID.
func (s *Store) Agent(ctx context.Context, id string) (AgentProfile, error) {
	const q = `
		SELECT id, tenant_id, name, system_prompt, greeting, fallback_utterance,
		       temperature, max_tokens, voice_id, voice_provider, voice_locale, voice_speed
		FROM   agents
		WHERE  id = $1`

	var p AgentProfile
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&p.ID,
		&p.TenantID,
		&p.Name,
		&p.SystemPrompt,
		&p.Greeting,
		&p.FallbackUtterance,
		&p.Temperature,
		&p.MaxTokens,
		&p.Voice.ID,
		&p.Voice.Provider,
		&p.Voice.Locale,
		&p.Voice.SpeedFactor,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentProfile{}, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	if err != nil {
		return AgentProfile{}, fmt.Errorf("catalog: load agent: %w", err)
	}
	p.Voice.Name = p.Name
	return p, nil
}

// SaveAgent upserts an agent profile.
func (s *Store) SaveAgent(ctx context.Context, p AgentProfile) error {
	const q = `
		INSERT INTO agents
		    (id, tenant_id, name, system_prompt, greeting, fallback_utterance,
		     temperature, max_tokens, voice_id, voice_provider, voice_locale, voice_speed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (id) DO UPDATE SET
		    tenant_id          = EXCLUDED.tenant_id,
		    name               = EXCLUDED.name,
		    system_prompt      = EXCLUDED.system_prompt,
		    greeting           = EXCLUDED.greeting,
		    fallback_utterance = EXCLUDED.fallback_utterance,
		    temperature        = EXCLUDED.temperature,
		    max_tokens         = EXCLUDED.max_tokens,
		    voice_id           = EXCLUDED.voice_id,
		    voice_provider     = EXCLUDED.voice_provider,
		    voice_locale       = EXCLUDED.voice_locale,
		    voice_speed        = EXCLUDED.voice_speed,
		    updated_at         = now()`

	_, err := s.pool.Exec(ctx, q,
		p.ID, p.TenantID, p.Name, p.SystemPrompt, p.Greeting, p.FallbackUtterance,
		p.Temperature, p.MaxTokens,
		p.Voice.ID, p.Voice.Provider, p.Voice.Locale, p.Voice.SpeedFactor,
	)
	if err != nil {
		return fmt.Errorf("catalog: save agent: %w", err)
	}
	return nil
}

// StartCall records a new active call.
func (s *Store) StartCall(ctx context.Context, callID, tenantID, agentID string) error {
	const q = `
		INSERT INTO calls (id, tenant_id, agent_id, status)
		VALUES ($1, $2, $3, 'active')
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, callID, tenantID, agentID); err != nil {
		return fmt.Errorf("catalog: start call: %w", err)
	}
	return nil
}

// EndCall writes the final status of a call at close.
func (s *Store) EndCall(ctx context.Context, callID, status, reason string) error {
	const q = `
		UPDATE calls
		SET    status = $2, end_reason = $3, ended_at = now()
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, callID, status, reason)
	if err != nil {
		return fmt.Errorf("catalog: end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrCallNotFound, callID)
	}
	return nil
}

// Call loads one call record by ID.
func (s *Store) Call(ctx context.Context, callID string) (CallRecord, error) {
	const q = `
		SELECT id, tenant_id, agent_id, status, end_reason, started_at, ended_at
		FROM   calls
		WHERE  id = $1`

	var r CallRecord
	err := s.pool.QueryRow(ctx, q, callID).Scan(
		&r.ID, &r.TenantID, &r.AgentID, &r.Status, &r.EndReason, &r.StartedAt, &r.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("%w: %q", ErrCallNotFound, callID)
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("catalog: load call: %w", err)
	}
	return r, nil
}
