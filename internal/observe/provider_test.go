package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetupInstallsProviders(t *testing.T) {
	tel, err := Setup("invorto-test", "0.0.0")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if tel.MeterProvider() == nil {
		t.Fatal("MeterProvider is nil")
	}
	if otel.GetMeterProvider() != tel.MeterProvider() {
		t.Error("global meter provider not installed")
	}

	if _, err := NewMetrics(tel.MeterProvider()); err != nil {
		t.Fatalf("NewMetrics over Setup's provider: %v", err)
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
