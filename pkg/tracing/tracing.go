// Package tracing configures OpenTelemetry for the relay.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/browserrelay"

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	Version     string
	// SampleRatio is the fraction of root spans recorded, 0 to 1.
	SampleRatio float64
	Output      io.Writer
	PrettyPrint bool
}

// Provider holds the OpenTelemetry tracer provider
type Provider struct {
	provider *sdktrace.TracerProvider
}

// NewProvider creates a tracer provider exporting to opts.Output and
// installs it globally.
func NewProvider(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "browserrelay"
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(opts.Output)}
	if opts.PrettyPrint {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", opts.ServiceName),
			attribute.String("service.version", opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(provider)

	return &Provider{provider: provider}, nil
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Tracer returns the relay tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// OpenOutput resolves an exporter target: "stdout", "stderr" or a file path
// opened for append. The returned close func is always non-nil.
func OpenOutput(target string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "stdout":
		return os.Stdout, noop, nil
	case "stderr":
		return os.Stderr, noop, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, noop, fmt.Errorf("open trace output: %w", err)
	}
	return f, f.Close, nil
}
