package postgres

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultTable           = "maildoc"
	DefaultTimeout         = 10 * time.Second
	DefaultBackfillTimeout = 5 * time.Minute
	DefaultPageSize        = 200
)

// options holds PostgreSQL store configuration.
type options struct {
	table           string
	timeout         time.Duration
	backfillTimeout time.Duration
	pageSize        int
	logger          *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:           DefaultTable,
		timeout:         DefaultTimeout,
		backfillTimeout: DefaultBackfillTimeout,
		pageSize:        DefaultPageSize,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a PostgreSQL store.
type Option func(*options)

// WithTable sets the table name prefix. Tables are named
// <prefix>_documents, <prefix>_keys and <prefix>_indexes.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
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

// WithBackfillTimeout bounds the time EnsureIndex may spend indexing
// existing documents.
func WithBackfillTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backfillTimeout = d
		}
	}
}

// WithPageSize sets how many documents a query fetches per round trip.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
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
