package redis

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultPrefix   = "maildoc"
	DefaultTimeout  = 5 * time.Second
	DefaultPageSize = 200
	DefaultRetries  = 3
)

type options struct {
	prefix   string
	timeout  time.Duration
	pageSize int
	retries  int
	logger   *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:   DefaultPrefix,
		timeout:  DefaultTimeout,
		pageSize: DefaultPageSize,
		retries:  DefaultRetries,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Redis store.
type Option func(*options)

// WithPrefix sets the key namespace. All keys start with "<prefix>:".
func WithPrefix(p string) Option {
	return func(o *options) {
		if p != "" {
			o.prefix = p
		}
	}
}

// WithTimeout sets the per-call operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPageSize sets how many ids a query reads per round trip.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithBackfillRetries bounds how often EnsureIndex retries a document that
// changes while it is being indexed.
func WithBackfillRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retries = n
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
