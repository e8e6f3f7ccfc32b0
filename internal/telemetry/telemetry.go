// Package telemetry configures OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlasgw/atlas/internal/config"
)

const instrumentation = "github.com/atlasgw/atlas"

// Tracer returns the gateway tracer from the global provider. Until Setup
// installs an SDK provider, spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// Shutdown flushes and stops the provider installed by Setup.
type Shutdown func(context.Context) error

// Setup installs a tracer provider that writes spans as JSON when tracing is
// enabled. The returned Shutdown is never nil.
func Setup(cfg config.TelemetryConfig, version string) (Shutdown, error) {
	if !cfg.Tracing {
		return func(context.Context) error { return nil }, nil
	}

	var w io.Writer = os.Stderr
	var file *os.File
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening trace file: %w", err)
		}
		w, file = f, f
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", "atlas"),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if file != nil {
			err = errors.Join(err, file.Close())
		}
		return err
	}, nil
}
