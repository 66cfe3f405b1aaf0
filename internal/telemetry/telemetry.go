// Package telemetry wires the OpenTelemetry tracer provider.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects the exporter. An empty Endpoint disables export.
type Config struct {
	ServiceName string
	Endpoint    string
	SampleRatio float64
}

// Setup installs a global tracer provider and returns a tracer for the
// service together with a shutdown that flushes pending spans. When export is
// disabled the tracer is a no-op and shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (trace.Tracer, func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "stockflow"
	}
	nop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop.NewTracerProvider().Tracer(name), nop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, nop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, nop, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Tracer(name), tp.Shutdown, nil
}
