package telemetry

import (
	"context"
	"testing"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := tracer.Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("expected no-op span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetup_WithEndpoint(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), Config{ServiceName: "stockflow-test", Endpoint: "http://127.0.0.1:4318", SampleRatio: 1})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := tracer.Start(context.Background(), "op")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected recording span")
	}
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
