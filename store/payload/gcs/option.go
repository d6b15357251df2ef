package gcs

import (
	"log/slog"
)

// DefaultPrefix is the object name prefix for payloads.
const DefaultPrefix = "payloads"

type options struct {
	bucket   string
	prefix   string
	endpoint string

	credentialsJSON []byte
	credentialsFile string

	logger *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix: DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the GCS store.
type Option func(*options)

// WithBucket sets the bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) { o.bucket = bucket }
}

// WithPrefix sets the object name prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithEndpoint sets a custom endpoint, e.g. a storage emulator.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithCredentialsJSON uses a service account key held in memory.
func WithCredentialsJSON(data []byte) Option {
	return func(o *options) { o.credentialsJSON = data }
}

// WithCredentialsFile uses a service account key file.
func WithCredentialsFile(path string) Option {
	return func(o *options) { o.credentialsFile = path }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
