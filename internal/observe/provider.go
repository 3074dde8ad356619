package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Telemetry owns the process-wide OpenTelemetry providers. Metric readings
// flow through a Prometheus reader, so anything recorded on the meter
// provider shows up on the /metrics scrape endpoint.
type Telemetry struct {
	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

// SetupOption adjusts Setup.
type SetupOption func(*setupConfig)

type setupConfig struct {
	spanExporter sdktrace.SpanExporter
}

// WithSpanExporter exports spans through exp, typically OTLP. Without it
// spans are recorded but stay in-process.
func WithSpanExporter(exp sdktrace.SpanExporter) SetupOption {
	return func(c *setupConfig) { c.spanExporter = exp }
}

// Setup builds the meter and tracer providers for the named service and
// installs them as the OTel globals. Call [Telemetry.Shutdown] before the
// process exits so the exporters flush.
func Setup(service, version string, opts ...SetupOption) (*Telemetry, error) {
	if service == "" {
		service = "invorto"
	}
	var sc setupConfig
	for _, o := range opts {
		o(&sc)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus reader: %w", err)
	}

	t := &Telemetry{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if sc.spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(sc.spanExporter))
	}
	t.traces = sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.traces)
	return t, nil
}

// MeterProvider returns the installed meter provider, for wiring [NewMetrics]
// without going through the OTel globals.
func (t *Telemetry) MeterProvider() *sdkmetric.MeterProvider { return t.meters }

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}
