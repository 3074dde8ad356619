// Package health provides the liveness and readiness HTTP handlers.
//
// Two endpoints are exposed:
//
//   - /healthz reports liveness; it answers 200 whenever the process can
//     serve HTTP.
//   - /readyz reports readiness; it answers 200 only when every registered
//     [Check] passes.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and a
// "checks" map from check name to its outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil while the dependency
// is usable and an error describing the failure otherwise. Probe must honour
// context cancellation.
type Check struct {
	// Name keys the check's outcome in the JSON response (e.g. "redis",
	// "catalog").
	Name string

	// Probe tests the dependency.
	Probe func(ctx context.Context) error
}

// report is the JSON body served by both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The check list is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a [Handler] over the given checks. Checks run concurrently on
// each /readyz request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every check concurrently, each under a [checkTimeout] deadline
// derived from the request context, and answers 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu       sync.Mutex
		outcomes = make(map[string]string, len(h.checks))
		healthy  = true
	)

	g, gctx := errgroup.WithContext(r.Context())
	for _, c := range h.checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, checkTimeout)
			err := c.Probe(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes[c.Name] = "fail: " + err.Error()
				healthy = false
			} else {
				outcomes[c.Name] = "ok"
			}
			// Failures are reported per check, never as a group error, so
			// all checks run to completion.
			return nil
		})
	}
	_ = g.Wait()

	res := report{Status: "ok", Checks: outcomes}
	status := http.StatusOK
	if !healthy {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds both routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
