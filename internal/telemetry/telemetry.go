// Package telemetry exports traces and metrics for orchestration runs
// over OTLP/HTTP. A nil *Instruments is valid and records nothing.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/skein/internal/buildinfo"
	"github.com/nugget/skein/internal/config"
)

const scopeName = "github.com/nugget/skein"

// Instruments holds the tracer and metric instruments for runs.
type Instruments struct {
	tracer trace.Tracer

	runs              metric.Int64Counter
	conflicts         metric.Int64Counter
	reconcileFailures metric.Int64Counter
	runDuration       metric.Float64Histogram
}

// Init sets up OTLP/HTTP trace and metric providers. When telemetry is
// disabled it returns nil instruments and a no-op shutdown.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Instruments, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, noop, err
	}

	traceOpts := []otlptracehttp.Option{}
	metricOpts := []otlpmetrichttp.Option{}
	if cfg.Endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, noop, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, noop, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := New(tp.Tracer(scopeName), mp.Meter(scopeName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, noop, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

// New creates instruments on the given tracer and meter.
func New(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	runs, err := meter.Int64Counter("skein.runs",
		metric.WithDescription("Orchestration runs by trigger and outcome"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("skein.store.conflicts",
		metric.WithDescription("Optimistic lock conflicts observed by the loop"),
		metric.WithUnit("{conflict}"))
	if err != nil {
		return nil, err
	}
	reconcileFailures, err := meter.Int64Counter("skein.reconcile.failures",
		metric.WithDescription("Runs whose final write exhausted its retries"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	runDuration, err := meter.Float64Histogram("skein.run.duration",
		metric.WithDescription("Orchestration run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		tracer:            tracer,
		runs:              runs,
		conflicts:         conflicts,
		reconcileFailures: reconcileFailures,
		runDuration:       runDuration,
	}, nil
}

// StartRun opens the span for one loop run.
func (i *Instruments) StartRun(ctx context.Context, threadID, trigger, model string) (context.Context, trace.Span) {
	if i == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.tracer.Start(ctx, "skein.run", trace.WithAttributes(
		attribute.String("skein.thread_id", threadID),
		attribute.String("skein.trigger", trigger),
		attribute.String("skein.model", model),
	))
}

// EndRun records the outcome of a run and ends its span. outcome is the
// final thread status, or "error" or "timeout".
func (i *Instruments) EndRun(ctx context.Context, span trace.Span, trigger, outcome string, elapsed time.Duration, err error) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	)
	i.runs.Add(ctx, 1, attrs)
	i.runDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	span.SetAttributes(attribute.String("skein.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Conflict counts an optimistic lock conflict.
func (i *Instruments) Conflict(ctx context.Context) {
	if i == nil {
		return
	}
	i.conflicts.Add(ctx, 1)
}

// ReconcileFailed counts a run whose final write was not persisted.
func (i *Instruments) ReconcileFailed(ctx context.Context) {
	if i == nil {
		return
	}
	i.reconcileFailures.Add(ctx, 1)
}
