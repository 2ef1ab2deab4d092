// Package telemetry sets up OpenTelemetry tracing. Spans are written as
// JSON to a writer; there is no collector.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "vmlease"

// Options configures tracing.
type Options struct {
	Enabled bool
	Version string

	// Output defaults to stderr.
	Output io.Writer
}

// NewTracerProvider returns a provider exporting to Output, or a no-op
// provider when tracing is disabled. shutdown flushes pending spans.
func NewTracerProvider(opts Options) (tp trace.TracerProvider, shutdown func(context.Context) error, err error) {
	if !opts.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", opts.Version),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return provider, provider.Shutdown, nil
}

// Install sets tp as the global provider.
func Install(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
}
