// Package export drains telemetry subscribers into external sinks: an
// OpenTelemetry span stream and the Prometheus exposition. Export failures
// are logged and counted, never propagated back into the bridge.
package export

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/battswap/serial-agent/internal/logging"
	"github.com/battswap/serial-agent/internal/metrics"
)

const tracerName = "serial-agent"

// TraceConfig selects the span exporter.
type TraceConfig struct {
	Enabled  bool
	Exporter string // "stdout" or "noop"
}

// SetupTracing installs the global TracerProvider and returns its shutdown
// function. Disabled tracing installs a noop provider.
func SetupTracing(ctx context.Context, cfg TraceConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("export: create stdout exporter: %w", err)
		}
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("export: unsupported exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		metrics.IncError(metrics.ErrTraceExport)
		logging.L().Warn("trace_export_error", "error", err)
	}))

	return tp.Shutdown, nil
}
