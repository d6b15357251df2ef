package maildoc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/maildoc"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the adaptor.
type otelInstrumentation struct {
	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	opLatency metric.Float64Histogram
	opCount   metric.Int64Counter
	opErrors  metric.Int64Counter

	// Consistency
	conflicts     metric.Int64Counter
	inconsistent  metric.Int64Counter
	repairDeletes metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	o.opLatency, err = meter.Float64Histogram(
		"maildoc.operation.duration",
		metric.WithDescription("Duration of adaptor operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.opCount, err = meter.Int64Counter(
		"maildoc.operation.count",
		metric.WithDescription("Number of adaptor operations"),
	)
	if err != nil {
		return err
	}

	o.opErrors, err = meter.Int64Counter(
		"maildoc.operation.errors",
		metric.WithDescription("Number of failed adaptor operations"),
	)
	if err != nil {
		return err
	}

	o.conflicts, err = meter.Int64Counter(
		"maildoc.flags.conflicts",
		metric.WithDescription("Flags writes that lost against a concurrent writer and were merged"),
	)
	if err != nil {
		return err
	}

	o.inconsistent, err = meter.Int64Counter(
		"maildoc.fetch.inconsistent",
		metric.WithDescription("Fetches that found dangling flags or missing content"),
	)
	if err != nil {
		return err
	}

	o.repairDeletes, err = meter.Int64Counter(
		"maildoc.repair.deletes",
		metric.WithDescription("Documents removed by the repair pass"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned func ends the span and records err on it.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// begin starts a span and returns a func that ends it and records the
// operation metrics. Use as:
//
//	ctx, end := a.otel.begin(ctx, "create")
//	defer func() { end(err) }()
func (o *otelInstrumentation) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, endSpan := o.startSpan(ctx, "maildoc."+op, attrs...)
	return ctx, func(err error) {
		endSpan(err)
		o.recordOp(ctx, op, time.Since(start), err)
	}
}

// recordOp records operation metrics.
func (o *otelInstrumentation) recordOp(ctx context.Context, op string, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
	)

	o.opLatency.Record(ctx, duration.Seconds(), attrs)
	o.opCount.Add(ctx, 1, attrs)
	if err != nil {
		o.opErrors.Add(ctx, 1, attrs)
	}
}

func (o *otelInstrumentation) recordConflict(ctx context.Context, merged bool) {
	if !o.metricsEnabled {
		return
	}
	o.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("merged", merged)))
}

func (o *otelInstrumentation) recordInconsistent(ctx context.Context, state FetchState) {
	if !o.metricsEnabled {
		return
	}
	o.inconsistent.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (o *otelInstrumentation) recordRepairDelete(ctx context.Context, kind string) {
	if !o.metricsEnabled {
		return
	}
	o.repairDeletes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
