package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/invorto-ai/invorto/internal/observe"
)

// Sink receives every published event after it has been persisted. Deliver
// must not block for long; slow consumers should buffer internally.
type Sink interface {
	Deliver(ctx context.Context, e Event)
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ctx context.Context, e Event)

// Deliver implements [Sink].
func (f SinkFunc) Deliver(ctx context.Context, e Event) { f(ctx, e) }

// Publisher is the single write path onto a call timeline. It stamps
// events, appends them to the store, counts them, and fans them out to the
// registered sinks in order.
//
// Publisher is safe for concurrent use once assembled. Register all sinks
// before publishing.
type Publisher struct {
	store   Store
	sinks   []Sink
	metrics *observe.Metrics

	// now is swappable in tests.
	now func() time.Time
}

// NewPublisher creates a [Publisher] over store. A nil metrics falls back
// to [observe.DefaultMetrics].
func NewPublisher(store Store, metrics *observe.Metrics) *Publisher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Publisher{store: store, metrics: metrics, now: time.Now}
}

// AddSink registers a sink. Sinks are invoked in registration order.
func (p *Publisher) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Publish appends an event of the given kind to callID's timeline. payload
// is marshalled to JSON; pass nil for kinds without a payload. The returned
// event carries the assigned ID.
func (p *Publisher) Publish(ctx context.Context, callID, kind string, payload any) (Event, error) {
	e := Event{
		CallID:    callID,
		Kind:      kind,
		Timestamp: p.now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("timeline: marshal %s payload: %w", kind, err)
		}
		e.Data = data
	}

	id, err := p.store.Append(ctx, e)
	if err != nil {
		return Event{}, err
	}
	e.ID = id

	p.metrics.RecordTimelineEvent(ctx, kind)
	for _, s := range p.sinks {
		s.Deliver(ctx, e)
	}
	return e, nil
}

// PublishError is a convenience wrapper that records an error event without
// failing the caller when the timeline itself is unavailable.
func (p *Publisher) PublishError(ctx context.Context, callID, message string) {
	if _, err := p.Publish(ctx, callID, KindError, map[string]string{"message": message}); err != nil {
		slog.Error("timeline: publishing error event failed",
			"call_id", callID, "error", err)
	}
}
