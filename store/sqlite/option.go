package sqlite

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultTable       = "maildoc"
	DefaultTimeout     = 10 * time.Second
	DefaultBusyTimeout = 5 * time.Second
	DefaultPageSize    = 200
)

type options struct {
	table       string
	timeout     time.Duration
	busyTimeout time.Duration
	pageSize    int
	logger      *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:       DefaultTable,
		timeout:     DefaultTimeout,
		busyTimeout: DefaultBusyTimeout,
		pageSize:    DefaultPageSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a SQLite store.
type Option func(*options)

// WithTable sets the table name prefix.
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

// WithBusyTimeout sets how long SQLite waits on a locked database file.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithPageSize sets how many documents a query fetches per statement.
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
