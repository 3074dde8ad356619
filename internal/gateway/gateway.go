// Package gateway exposes the public surface of the service: the realtime
// voice WebSocket, the timeline read API, webhook dead-letter
// administration, Prometheus metrics, and health probes.
//
// The gateway authenticates the caller, admits the call against the
// concurrency limits, loads the agent profile, and hands the accepted
// connection to a [session.Supervisor]. Everything after the handshake is
// the supervisor's business.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/invorto-ai/invorto/internal/admission"
	"github.com/invorto-ai/invorto/internal/agent"
	"github.com/invorto-ai/invorto/internal/catalog"
	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/health"
	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/internal/timeline"
	"github.com/invorto-ai/invorto/internal/webhook"
	"github.com/invorto-ai/invorto/pkg/provider/llm"
	"github.com/invorto-ai/invorto/pkg/provider/stt"
	"github.com/invorto-ai/invorto/pkg/provider/tts"
	"github.com/invorto-ai/invorto/pkg/provider/vad"
)

// Catalog is the gateway's view of the agent catalog: read the profile at
// session start, record the call, write the final status at close. A nil
// Catalog in [Deps] serves a default profile, for development without a
// database.
type Catalog interface {
	Agent(ctx context.Context, id string) (catalog.AgentProfile, error)
	StartCall(ctx context.Context, callID, tenantID, agentID string) error
	EndCall(ctx context.Context, callID, status, reason string) error
}

var _ Catalog = (*catalog.Store)(nil)

// Deps are the collaborators behind the gateway's endpoints.
type Deps struct {
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
	LLM   llm.Provider
	Tools agent.ToolExecutor

	// Timeline publishes session events; Events serves the read API over
	// the same backing store.
	Timeline *timeline.Publisher
	Events   timeline.Store

	// Gate enforces admission. Nil disables admission control.
	Gate *admission.Gate

	// Catalog serves agent profiles and records calls. May be nil.
	Catalog Catalog

	// Dispatcher exposes the webhook dead-letter queue for administration.
	// Nil disables the DLQ endpoints.
	Dispatcher *webhook.Dispatcher

	// Cache serves pre-synthesised utterances. May be nil.
	Cache *tts.UtteranceCache

	// Health serves the liveness and readiness probes. May be nil.
	Health *health.Handler

	Metrics *observe.Metrics
}

// Server is the HTTP front of the service.
type Server struct {
	cfg  config.Config
	deps Deps
}

// New creates a [Server]. STT, TTS, VAD, LLM, Timeline, and Events are
// required.
func New(cfg config.Config, deps Deps) (*Server, error) {
	switch {
	case deps.STT == nil, deps.TTS == nil, deps.VAD == nil, deps.LLM == nil:
		return nil, errors.New("gateway: all four media providers are required")
	case deps.Timeline == nil, deps.Events == nil:
		return nil, errors.New("gateway: timeline publisher and store are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Server{cfg: cfg, deps: deps}, nil
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /realtime/voice", s.handleRealtime)
	mux.HandleFunc("GET /v1/calls/{id}/timeline", s.handleTimeline)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.deps.Dispatcher != nil {
		mux.HandleFunc("GET /v1/webhooks/dlq", s.handleDLQList)
		mux.HandleFunc("POST /v1/webhooks/dlq/{id}/retry", s.handleDLQRetry)
		mux.HandleFunc("DELETE /v1/webhooks/dlq", s.handleDLQPurge)
	}
	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	return s.instrument(mux)
}

// instrument records the duration of every request against its route
// pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.HTTPRequestDuration.Record(r.Context(),
			time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("route", route)))
	})
}

// authorize resolves the tenant behind a REST request from its bearer
// token.
func (s *Server) authorize(r *http.Request) *config.TenantConfig {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	return s.cfg.TenantByAPIKey(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
