package maildoc

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/maildoc/content"
	"github.com/rbaliyan/maildoc/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Message limits
	DefaultMaxMessageSize = 50 * 1024 * 1024 // 50 MB raw message
	DefaultMaxParts       = 500              // leaf MIME parts per message

	// Payloads larger than this go to the payload store, when one is set.
	DefaultPayloadThreshold = 256 * 1024

	// Conflict handling
	DefaultMaxConflictRounds = 3 // re-read/merge rounds before ErrConflict

	// Concurrency limits
	DefaultMaxConcurrentTasks = 16 // max in-flight tasks started with Go

	// Repair
	DefaultRepairGracePeriod = 10 * time.Minute
	DefaultRepairRate        = 50 // deletes per second
)

// options holds adaptor configuration.
type options struct {
	store    store.Store
	payloads store.PayloadStore
	codecs   *content.Registry
	logger   *slog.Logger

	plugins []Plugin

	messageClass MessageClass

	// Message limits
	maxMessageSize   int
	maxParts         int
	payloadThreshold int

	maxConflictRounds  int
	maxConcurrentTasks int

	// Repair
	repairGracePeriod time.Duration
	repairRate        rate.Limit

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, event publishing failures cause operation to fail
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)

	now func() time.Time
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the event name (e.g., "maildoc.message.created").
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:             slog.Default(),
		codecs:             content.DefaultRegistry(),
		messageClass:       NewMessage,
		maxMessageSize:     DefaultMaxMessageSize,
		maxParts:           DefaultMaxParts,
		payloadThreshold:   DefaultPayloadThreshold,
		maxConflictRounds:  DefaultMaxConflictRounds,
		maxConcurrentTasks: DefaultMaxConcurrentTasks,
		repairGracePeriod:  DefaultRepairGracePeriod,
		repairRate:         rate.Limit(DefaultRepairRate),
		shutdownTimeout:    DefaultShutdownTimeout,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.onEventPublishFailure == nil {
		logger := o.logger
		o.onEventPublishFailure = func(eventName string, err error) {
			logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}
	return o
}

// Option configures the adaptor.
type Option func(*options)

// WithStore sets the document store. Required.
func WithStore(s store.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithPayloadStore enables offloading of large part payloads.
// Content documents whose decoded payload exceeds the threshold
// (see WithPayloadThreshold) keep only a payload URI.
func WithPayloadStore(p store.PayloadStore) Option {
	return func(o *options) {
		o.payloads = p
	}
}

// WithPayloadThreshold sets the payload size above which parts are
// offloaded. Only effective together with WithPayloadStore.
func WithPayloadThreshold(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.payloadThreshold = n
		}
	}
}

// WithCodecs replaces the codec registry used to decode part payloads.
func WithCodecs(r *content.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.codecs = r
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// WithMessageClass sets the class used when an operation builds a Message
// and the caller passes no class of its own. Default: NewMessage.
func WithMessageClass(c MessageClass) Option {
	return func(o *options) {
		if c != nil {
			o.messageClass = c
		}
	}
}

// WithMaxMessageSize sets the maximum raw message size in bytes.
func WithMaxMessageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithMaxParts sets the maximum number of leaf MIME parts per message.
func WithMaxParts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxParts = n
		}
	}
}

// WithMaxConflictRounds bounds the re-read and merge rounds of a flags
// update that keeps losing against concurrent writers.
func WithMaxConflictRounds(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConflictRounds = n
		}
	}
}

// WithMaxConcurrentTasks bounds the number of tasks started with Go that
// run at the same time.
func WithMaxConcurrentTasks(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentTasks = n
		}
	}
}

// WithRepairGracePeriod sets how old an inconsistent document must be
// before Repair reports it. Younger documents may still be mid-sync.
func WithRepairGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.repairGracePeriod = d
		}
	}
}

// WithRepairRate limits Repair to perSecond document deletes.
func WithRepairRate(perSecond float64) Option {
	return func(o *options) {
		if perSecond > 0 {
			o.repairRate = rate.Limit(perSecond)
		}
	}
}

// WithShutdownTimeout sets the maximum time Close waits for in-flight
// tasks. Values below MinShutdownTimeout are raised to it.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d < MinShutdownTimeout {
			d = MinShutdownTimeout
		}
		o.shutdownTimeout = d
	}
}

// WithTracing enables OpenTelemetry tracing.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables OpenTelemetry metrics.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for the event bus.
func WithServiceName(name string) Option {
	return func(o *options) {
		o.serviceName = name
	}
}

// WithTracerProvider sets a custom tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithEventErrorsFatal makes event publish failures fail the operation
// with an EventPublishError. The documents are written either way.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the transport for the event bus.
// Takes precedence over WithRedisClient.
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		o.eventTransport = t
	}
}

// WithRedisClient publishes events through a Redis transport.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// It is called when WithEventErrorsFatal is false. The default handler
// logs the failure.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		o.onEventPublishFailure = fn
	}
}

// withClock overrides the time source. Used by tests.
func withClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
