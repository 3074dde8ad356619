// Package observe provides application-wide observability primitives for
// Invorto: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [Setup] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Invorto metrics.
const meterName = "github.com/invorto-ai/invorto"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTFinalLatency tracks time from end of speech to the final
	// transcript.
	STTFinalLatency metric.Float64Histogram

	// LLMFirstTokenLatency tracks time from turn end to the first LLM delta.
	LLMFirstTokenLatency metric.Float64Histogram

	// TTSFirstChunkLatency tracks time from the first sentence handed to TTS
	// until the first audio chunk.
	TTSFirstChunkLatency metric.Float64Histogram

	// TurnLatency tracks end of user speech to first agent audio.
	TurnLatency metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// WebhookDeliveryDuration tracks webhook POST round-trip time.
	WebhookDeliveryDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BargeIns counts user interruptions of agent speech.
	BargeIns metric.Int64Counter

	// AdmissionRejections counts calls refused at admission. Use with
	// attribute: attribute.String("scope", "global"|"campaign")
	AdmissionRejections metric.Int64Counter

	// TimelineEvents counts published timeline events by kind.
	TimelineEvents metric.Int64Counter

	// WebhookDeadLetters counts events that exhausted webhook retries.
	WebhookDeadLetters metric.Int64Counter

	// SyntheticFrames counts concealment frames generated by the jitter
	// buffer.
	SyntheticFrames metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live voice sessions.
	ActiveCalls metric.Int64UpDownCounter

	// WebhookQueueDepth tracks pending webhook deliveries.
	WebhookQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTFinalLatency, err = m.Float64Histogram("invorto.stt.final_latency",
		metric.WithDescription("Time from end of speech to the final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenLatency, err = m.Float64Histogram("invorto.llm.first_token_latency",
		metric.WithDescription("Time from turn end to the first LLM delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunkLatency, err = m.Float64Histogram("invorto.tts.first_chunk_latency",
		metric.WithDescription("Time from first sentence to the first synthesised chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("invorto.turn.latency",
		metric.WithDescription("End of user speech to first agent audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("invorto.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDeliveryDuration, err = m.Float64Histogram("invorto.webhook.delivery_duration",
		metric.WithDescription("Webhook POST round-trip time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("invorto.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("invorto.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("invorto.barge_ins",
		metric.WithDescription("Total user interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejections, err = m.Int64Counter("invorto.admission.rejections",
		metric.WithDescription("Total calls refused at admission by scope."),
	); err != nil {
		return nil, err
	}
	if met.TimelineEvents, err = m.Int64Counter("invorto.timeline.events",
		metric.WithDescription("Total published timeline events by kind."),
	); err != nil {
		return nil, err
	}
	if met.WebhookDeadLetters, err = m.Int64Counter("invorto.webhook.dead_letters",
		metric.WithDescription("Total events that exhausted webhook retries."),
	); err != nil {
		return nil, err
	}
	if met.SyntheticFrames, err = m.Int64Counter("invorto.media.synthetic_frames",
		metric.WithDescription("Total concealment frames generated by the jitter buffer."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("invorto.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("invorto.active_calls",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.WebhookQueueDepth, err = m.Int64UpDownCounter("invorto.webhook.queue_depth",
		metric.WithDescription("Number of pending webhook deliveries."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("invorto.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTimelineEvent records a published timeline event by kind.
func (m *Metrics) RecordTimelineEvent(ctx context.Context, kind string) {
	m.TimelineEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordAdmissionRejection records a refused call by scope ("global" or
// "campaign").
func (m *Metrics) RecordAdmissionRejection(ctx context.Context, scope string) {
	m.AdmissionRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scope", scope)),
	)
}
