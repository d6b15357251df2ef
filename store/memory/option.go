package memory

import "log/slog"

// FaultFunc is consulted before every store call. A non-nil error makes the
// call fail with store.ErrUnavailable wrapping it.
// op is one of "get", "put", "delete", "query", "count", "ensure_index".
type FaultFunc func(op, id string) error

// options holds memory store configuration.
type options struct {
	logger *slog.Logger
	fault  FaultFunc
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a memory store.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFault installs a fault injector used to simulate an unavailable store.
func WithFault(fn FaultFunc) Option {
	return func(o *options) {
		o.fault = fn
	}
}
