// Package telemetry installs the OpenTelemetry tracer provider used by the
// verification and settlement spans.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vitwit/x402-facilitator/logger"
)

// ShutdownFunc flushes and stops the installed provider.
type ShutdownFunc func(context.Context) error

// NewProvider builds a batching tracer provider exporting to exporter.
func NewProvider(ctx context.Context, serviceName string, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// Init exports spans over OTLP gRPC to endpoint and installs the provider
// globally. An empty endpoint leaves the global no-op provider in place.
func Init(ctx context.Context, serviceName, endpoint string, log logger.Logger) (ShutdownFunc, error) {
	log = logger.OrNoop(log)
	if endpoint == "" {
		log.Info("tracing disabled", nil)
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp, err := NewProvider(ctx, serviceName, exporter)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	log.Info("tracing initialized", map[string]any{"serviceName": serviceName, "endpoint": endpoint})
	return tp.Shutdown, nil
}
