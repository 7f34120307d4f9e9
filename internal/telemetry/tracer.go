// Package telemetry sets up OpenTelemetry tracing for a OneMedia node.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// TracerProvider is the global tracer provider
var TracerProvider *sdktrace.TracerProvider

// Options describe the traced process.
type Options struct {
	ServiceName string
	Version     string
	Role        string    // governing or brand, recorded on every span
	Output      io.Writer // Span export destination; nil discards spans
	Pretty      bool      // Indent exported spans
}

// InitTracer initializes the OpenTelemetry tracer and installs it globally
func InitTracer(opts Options) (*sdktrace.TracerProvider, error) {
	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(opts.Output)}
	if opts.Output == nil {
		exporterOpts = []stdouttrace.Option{stdouttrace.WithWriter(io.Discard)}
	}
	if opts.Pretty {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
			attribute.String("onemedia.role", opts.Role),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	TracerProvider = tp
	return tp, nil
}

// ShutdownTracer flushes remaining spans and shuts down the tracer provider
func ShutdownTracer(ctx context.Context) {
	if TracerProvider == nil {
		return
	}
	if err := TracerProvider.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down tracer provider", "error", err)
	}
	TracerProvider = nil
}
