package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/invorto-ai/invorto/internal/webhook"
)

// timelineReadLimit bounds one timeline read.
const timelineReadLimit = 1000

// dlqListLimit bounds one dead-letter listing unless the caller narrows it.
const dlqListLimit = 100

type timelineEntry struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// handleTimeline serves GET /v1/calls/{id}/timeline: the call's events in
// append order, bounded by a server-side count.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.authorize(r) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	callID := r.PathValue("id")

	events, err := s.deps.Events.Range(r.Context(), callID, "", timelineReadLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "timeline read failed")
		return
	}

	resp := struct {
		CallID   string          `json:"callId"`
		Timeline []timelineEntry `json:"timeline"`
	}{CallID: callID, Timeline: make([]timelineEntry, 0, len(events))}
	for _, e := range events {
		resp.Timeline = append(resp.Timeline, timelineEntry{
			Kind:      e.Kind,
			Payload:   e.Data,
			Timestamp: e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// deadLetterView is the operator-facing shape of a dead delivery. The
// signing secret never leaves the queue.
type deadLetterView struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

// handleDLQList serves GET /v1/webhooks/dlq.
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if s.authorize(r) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := dlqListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit "+raw)
			return
		}
		limit = n
	}

	dead, err := s.deps.Dispatcher.ListDead(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dead letter listing failed")
		return
	}
	views := make([]deadLetterView, 0, len(dead))
	for _, d := range dead {
		views = append(views, deadLetterView{
			ID:        d.ID,
			TenantID:  d.TenantID,
			URL:       d.URL,
			Kind:      d.Kind,
			Attempts:  d.Attempts,
			LastError: d.LastError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": views})
}

// handleDLQRetry serves POST /v1/webhooks/dlq/{id}/retry: one dead delivery
// goes back onto the queue with a fresh attempt budget.
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	if s.authorize(r) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")

	err := s.deps.Dispatcher.RetryDead(r.Context(), id)
	if errors.Is(err, webhook.ErrDeliveryNotFound) {
		writeError(w, http.StatusNotFound, "no dead delivery "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDLQPurge serves DELETE /v1/webhooks/dlq.
func (s *Server) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	if s.authorize(r) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	n, err := s.deps.Dispatcher.PurgeDead(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}
