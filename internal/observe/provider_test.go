package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitProvider_RegistersGlobalsAndShutsDown(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitProvider(ctx, ProviderConfig{
		ServiceName:      "talaria-test",
		ServiceVersion:   "0.0.0",
		Environment:      "test",
		TraceSampleRatio: 0.5,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	// The globals must be usable for instrument creation immediately.
	if _, err := NewMetrics(otel.GetMeterProvider()); err != nil {
		t.Fatalf("NewMetrics over initialised provider: %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
