package export

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/battswap/serial-agent/internal/bridge"
	"github.com/battswap/serial-agent/internal/logging"
)

// TraceExporter emits one span per telemetry record, carrying the session
// epoch, sequence number and every field value as span attributes.
type TraceExporter struct {
	sub    *bridge.Subscriber
	tracer trace.Tracer
	logger *slog.Logger
}

type TraceExporterOption func(*TraceExporter)

// WithTracerProvider overrides the global provider (tests).
func WithTracerProvider(tp trace.TracerProvider) TraceExporterOption {
	return func(e *TraceExporter) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithTraceLogger(l *slog.Logger) TraceExporterOption {
	return func(e *TraceExporter) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewTraceExporter(sub *bridge.Subscriber, opts ...TraceExporterOption) *TraceExporter {
	e := &TraceExporter{
		sub:    sub,
		tracer: otel.Tracer(tracerName),
		logger: logging.L(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run drains the subscriber until ctx ends or the subscriber is closed.
func (e *TraceExporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.sub.Closed:
			return
		case ev := <-e.sub.Out:
			e.export(ctx, ev)
		}
	}
}

func (e *TraceExporter) export(ctx context.Context, ev bridge.TelemetryEvent) {
	attrs := make([]attribute.KeyValue, 0, 2+len(ev.Record.Fields))
	attrs = append(attrs,
		attribute.Int64("session.epoch", int64(ev.Epoch)),
		attribute.Int64("telemetry.seq", int64(ev.Record.Seq)),
	)
	for id, v := range ev.Record.Fields {
		attrs = append(attrs, attribute.Float64("field."+id.String(), v.Number()))
	}
	_, span := e.tracer.Start(ctx, "telemetry", trace.WithAttributes(attrs...))
	span.End()
}
