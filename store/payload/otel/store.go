// Package otel instruments a store.PayloadStore with OpenTelemetry traces
// and metrics.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/maildoc/store"
)

const instrumentationName = "github.com/rbaliyan/maildoc/store/payload/otel"

var _ store.PayloadStore = (*Store)(nil)

// Store wraps a PayloadStore with spans and metrics.
type Store struct {
	backend store.PayloadStore
	opts    *options
	tracer  trace.Tracer

	duration metric.Float64Histogram
	bytes    metric.Int64Counter
	errors   metric.Int64Counter
}

// New wraps backend.
func New(backend store.PayloadStore, opts ...Option) (*Store, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "maildoc",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{backend: backend, opts: o}
	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider.Meter(instrumentationName)); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initMetrics(meter metric.Meter) error {
	var err error
	s.duration, err = meter.Float64Histogram("maildoc.payload.duration",
		metric.WithDescription("Duration of payload store operations"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	s.bytes, err = meter.Int64Counter("maildoc.payload.bytes",
		metric.WithDescription("Payload bytes moved"),
		metric.WithUnit("By"))
	if err != nil {
		return err
	}
	s.errors, err = meter.Int64Counter("maildoc.payload.errors",
		metric.WithDescription("Failed payload store operations"))
	return err
}

// begin starts a span for op and returns a function that ends it and
// records metrics.
func (s *Store) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(n int64, err error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("service.name", s.opts.serviceName))

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "payload."+op,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attrs...))
	}

	return ctx, func(n int64, err error) {
		opAttr := metric.WithAttributes(attribute.String("op", op))
		if s.duration != nil {
			s.duration.Record(ctx, time.Since(start).Seconds(), opAttr)
			if n > 0 {
				s.bytes.Add(ctx, n, opAttr)
			}
			if err != nil {
				s.errors.Add(ctx, 1, opAttr)
			}
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			if n > 0 {
				span.SetAttributes(attribute.Int64("payload.bytes", n))
			}
			span.End()
		}
	}
}

// Upload delegates to the backend, counting the bytes read from content.
func (s *Store) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	ctx, end := s.begin(ctx, "upload",
		attribute.String("payload.name", name),
		attribute.String("payload.content_type", contentType))
	cr := &countingReader{r: content}
	uri, err := s.backend.Upload(ctx, name, contentType, cr)
	end(cr.n, err)
	return uri, err
}

// Load delegates to the backend. Bytes are recorded when the reader is
// closed.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	ctx, end := s.begin(ctx, "load", attribute.String("payload.uri", uri))
	rc, err := s.backend.Load(ctx, uri)
	if err != nil {
		end(0, err)
		return nil, err
	}
	return &countingReader{r: rc, closer: rc, done: end}, nil
}

// Delete delegates to the backend.
func (s *Store) Delete(ctx context.Context, uri string) error {
	ctx, end := s.begin(ctx, "delete", attribute.String("payload.uri", uri))
	err := s.backend.Delete(ctx, uri)
	end(0, err)
	return err
}

type countingReader struct {
	r      io.Reader
	closer io.Closer
	done   func(int64, error)
	n      int64
	err    error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}

func (c *countingReader) Close() error {
	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}
	if c.done != nil {
		c.done(c.n, c.err)
		c.done = nil
	}
	return err
}
