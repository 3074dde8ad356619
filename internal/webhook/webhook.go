// Package webhook mirrors call timeline events to tenant HTTP endpoints.
//
// Events flow from the timeline [Publisher] into a [Mirror] sink, which
// redacts PII, signs the payload, and enqueues a [Delivery]. A
// [Dispatcher] worker pool drains the queue and POSTs each delivery,
// retrying with exponential backoff until the configured attempt budget is
// exhausted, after which the delivery moves to the dead letter queue for
// operator inspection and manual replay.
//
// Signatures are stable across retries: the timestamp is fixed when the
// delivery is created, so a receiver that verified attempt one can verify
// attempt seven with the same inputs.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/internal/timeline"
)

// ErrDeliveryNotFound is returned by [DeadLetters.Take] when no dead
// delivery has the requested ID.
var ErrDeliveryNotFound = errors.New("webhook: delivery not found")

// Delivery is one pending webhook POST.
type Delivery struct {
	// ID uniquely identifies the delivery across queue and DLQ.
	ID string `json:"id"`

	// TenantID names the destination tenant, for logs and the DLQ listing.
	TenantID string `json:"tenant_id"`

	// URL is the tenant's webhook endpoint.
	URL string `json:"url"`

	// Kind is the mirrored timeline event kind, sent as the event header.
	Kind string `json:"kind"`

	// Secret signs the payload. Never logged.
	Secret string `json:"secret"`

	// Body is the redacted JSON payload.
	Body []byte `json:"body"`

	// SignedAtUnix is the signature timestamp, fixed at creation so
	// retries carry the same signature.
	SignedAtUnix int64 `json:"signed_at_unix"`

	// Attempts counts POSTs made so far.
	Attempts int `json:"attempts"`

	// LastError describes the most recent failure, for the DLQ listing.
	LastError string `json:"last_error,omitempty"`
}

// Queue hands deliveries from the mirror to the dispatcher workers.
type Queue interface {
	// Enqueue adds d to the tail of the queue.
	Enqueue(ctx context.Context, d Delivery) error

	// Dequeue blocks until a delivery is available or ctx is cancelled.
	Dequeue(ctx context.Context) (Delivery, error)

	// Len reports the number of queued deliveries.
	Len(ctx context.Context) (int, error)
}

// DeadLetters holds deliveries that exhausted their retry budget.
type DeadLetters interface {
	// Push adds d to the dead letter queue.
	Push(ctx context.Context, d Delivery) error

	// List returns up to limit dead deliveries, oldest first. limit <= 0
	// means no limit.
	List(ctx context.Context, limit int) ([]Delivery, error)

	// Take removes and returns the dead delivery with the given ID.
	Take(ctx context.Context, id string) (Delivery, error)

	// Purge drops all dead deliveries and reports how many were dropped.
	Purge(ctx context.Context) (int, error)
}

// Mirror is a [timeline.Sink] that turns events into queued deliveries for
// tenants with a configured webhook endpoint.
type Mirror struct {
	queue   Queue
	tenants map[string]config.TenantConfig
	metrics *observe.Metrics

	// now is swappable in tests.
	now func() time.Time
}

var _ timeline.Sink = (*Mirror)(nil)

// NewMirror creates a [Mirror] over queue for the given tenants. Tenants
// without a webhook URL are skipped at delivery time. A nil metrics falls
// back to [observe.DefaultMetrics].
func NewMirror(queue Queue, tenants []config.TenantConfig, metrics *observe.Metrics) *Mirror {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	byID := make(map[string]config.TenantConfig, len(tenants))
	for _, t := range tenants {
		byID[t.ID] = t
	}
	return &Mirror{queue: queue, tenants: byID, metrics: metrics, now: time.Now}
}

// envelope is the JSON shape POSTed to tenant endpoints.
type envelope struct {
	EventID   string          `json:"event_id"`
	CallID    string          `json:"call_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Deliver implements [timeline.Sink]. The tenant is resolved from the
// event's call metadata by the caller via [Mirror.ForTenant]; Deliver on the
// bare mirror mirrors to every tenant with a webhook, which suits
// single-tenant deployments.
func (m *Mirror) Deliver(ctx context.Context, e timeline.Event) {
	for _, t := range m.tenants {
		m.deliverTo(ctx, t, e)
	}
}

// ForTenant returns a [timeline.Sink] that mirrors only to the named
// tenant. Use one per session once the tenant is known.
func (m *Mirror) ForTenant(tenantID string) timeline.Sink {
	return timeline.SinkFunc(func(ctx context.Context, e timeline.Event) {
		t, ok := m.tenants[tenantID]
		if !ok {
			return
		}
		m.deliverTo(ctx, t, e)
	})
}

func (m *Mirror) deliverTo(ctx context.Context, t config.TenantConfig, e timeline.Event) {
	if t.WebhookURL == "" {
		return
	}

	body, err := json.Marshal(envelope{
		EventID:   e.ID,
		CallID:    e.CallID,
		Kind:      e.Kind,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	})
	if err != nil {
		slog.Error("webhook: marshal event", "event_id", e.ID, "error", err)
		return
	}

	d := Delivery{
		ID:           uuid.NewString(),
		TenantID:     t.ID,
		URL:          t.WebhookURL,
		Kind:         e.Kind,
		Secret:       t.WebhookSecret,
		Body:         Redact(body),
		SignedAtUnix: m.now().Unix(),
	}
	if err := m.queue.Enqueue(ctx, d); err != nil {
		slog.Error("webhook: enqueue delivery",
			"tenant", t.ID, "event_id", e.ID, "error", err)
		return
	}
	m.metrics.WebhookQueueDepth.Add(ctx, 1)
}
