package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestInitInstallsProviderAndPropagators(t *testing.T) {
	stop, err := Init(context.Background(), "test-service", Config{
		Endpoint:    "localhost:4317",
		SampleRatio: 0.25,
		Environment: "test",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if stop == nil {
		t.Fatal("expected a shutdown function")
	}

	fields := otel.GetTextMapPropagator().Fields()
	var hasTraceparent bool
	for _, f := range fields {
		if f == "traceparent" {
			hasTraceparent = true
		}
	}
	if !hasTraceparent {
		t.Errorf("W3C propagator not installed, fields: %v", fields)
	}

	// No collector is running; shutdown just has to return.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	stop(ctx)
}

func TestInitClampsSampleRatio(t *testing.T) {
	for _, ratio := range []float64{-1, 0, 2.5} {
		stop, err := Init(context.Background(), "test-service", Config{
			Endpoint:    "localhost:4317",
			SampleRatio: ratio,
		})
		if err != nil {
			t.Fatalf("ratio %v: %v", ratio, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		stop(ctx)
		cancel()
	}
}
