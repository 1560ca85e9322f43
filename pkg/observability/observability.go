// Package observability wires structured logging and OpenTelemetry
// instrumentation for the control plane. Exporter configuration is the
// deployment's concern; this package only names the instruments and the
// RED (Rate, Errors, Duration) metrics the write path records.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/loomworks/loom"

// SetupLogger configures the process-wide slog default from LOG_LEVEL and
// returns it.
func SetupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// Provider carries the tracer, meter and RED instruments.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	appendCounter  metric.Int64Counter
}

// New builds a Provider on the globally registered otel providers.
func New() (*Provider, error) {
	p := &Provider{
		tracer: otel.Tracer(scope),
		meter:  otel.Meter(scope),
	}

	var err error
	p.requestCounter, err = p.meter.Int64Counter("loom.requests.total",
		metric.WithDescription("Total requests processed"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	p.errorCounter, err = p.meter.Int64Counter("loom.errors.total",
		metric.WithDescription("Total errors"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}
	p.durationHist, err = p.meter.Float64Histogram("loom.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	p.appendCounter, err = p.meter.Int64Counter("loom.events.appended.total",
		metric.WithDescription("Events appended to the log"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// RecordAppend counts an appended event by type.
func (p *Provider) RecordAppend(ctx context.Context, eventType string) {
	if p == nil || p.appendCounter == nil {
		return
	}
	p.appendCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

// TrackOperation opens a span and returns a closer that records duration
// and error state.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	if p != nil && p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p != nil && p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p != nil && p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(
					append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		span.End()
	}
}
