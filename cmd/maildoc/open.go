package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rbaliyan/maildoc"
	"github.com/rbaliyan/maildoc/retry"
	"github.com/rbaliyan/maildoc/store"
	"github.com/rbaliyan/maildoc/store/memory"
	"github.com/rbaliyan/maildoc/store/mongo"
	"github.com/rbaliyan/maildoc/store/payload/cached"
	"github.com/rbaliyan/maildoc/store/payload/gcs"
	payloadotel "github.com/rbaliyan/maildoc/store/payload/otel"
	"github.com/rbaliyan/maildoc/store/payload/s3"
	"github.com/rbaliyan/maildoc/store/postgres"
	"github.com/rbaliyan/maildoc/store/redis"
	"github.com/rbaliyan/maildoc/store/sqlite"
)

// closers run in reverse order when the command finishes.
type closers []func() error

func (c closers) Close() error {
	var first error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openAdaptor builds the document store, payload store and event transport
// named by cfg and connects an adaptor over them.
func openAdaptor(ctx context.Context, cfg *config, logger *slog.Logger, extra ...maildoc.Option) (*maildoc.Adaptor, io.Closer, error) {
	var cl closers

	s, err := openStore(cfg.Store, logger, &cl)
	if err != nil {
		return nil, nil, err
	}
	opts := []maildoc.Option{
		maildoc.WithStore(s),
		maildoc.WithLogger(logger),
		maildoc.WithPayloadThreshold(cfg.Payload.Threshold),
		maildoc.WithRepairGracePeriod(cfg.Repair.Grace),
		maildoc.WithRepairRate(cfg.Repair.Rate),
	}

	p, err := openPayloads(ctx, cfg.Payload, logger, &cl)
	if err != nil {
		cl.Close()
		return nil, nil, err
	}
	if p != nil {
		opts = append(opts, maildoc.WithPayloadStore(p))
	}

	if cfg.Events.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Events.RedisAddr})
		cl = append(cl, client.Close)
		opts = append(opts, maildoc.WithRedisClient(client))
	}

	a, err := maildoc.New(append(opts, extra...)...)
	if err != nil {
		cl.Close()
		return nil, nil, err
	}

	rc := retry.DefaultConfig()
	rc.OnRetry = func(attempt int, err error) {
		logger.Warn("connect failed, retrying", "backend", cfg.Store.Backend, "attempt", attempt, "error", err)
	}
	if err := retry.Do(ctx, rc, a.Connect); err != nil {
		cl.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Store.Backend, err)
	}
	cl = append(cl, func() error { return a.Close(context.Background()) })
	return a, cl, nil
}

func openStore(cfg storeConfig, logger *slog.Logger, cl *closers) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(memory.WithLogger(logger)), nil
	case "sqlite":
		return sqlite.Open(cfg.Path, sqlite.WithTimeout(cfg.Timeout), sqlite.WithLogger(logger))
	case "postgres":
		return postgres.Open(cfg.DSN, postgres.WithTimeout(cfg.Timeout), postgres.WithLogger(logger))
	case "mongo":
		s, err := mongo.Open(cfg.DSN, mongo.WithTimeout(cfg.Timeout), mongo.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		*cl = append(*cl, func() error { return s.Client().Disconnect(context.Background()) })
		return s, nil
	case "redis":
		return redis.Open(cfg.DSN, redis.WithTimeout(cfg.Timeout), redis.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// openPayloads returns nil when no object store is configured. Parts then
// stay inline regardless of size.
func openPayloads(ctx context.Context, cfg payloadConfig, logger *slog.Logger, cl *closers) (store.PayloadStore, error) {
	var (
		p   store.PayloadStore
		err error
	)
	switch {
	case cfg.S3.Bucket != "":
		opts := []s3.Option{
			s3.WithBucket(cfg.S3.Bucket),
			s3.WithPrefix(cfg.S3.Prefix),
			s3.WithLogger(logger),
		}
		if cfg.S3.Region != "" {
			opts = append(opts, s3.WithRegion(cfg.S3.Region))
		}
		if cfg.S3.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(cfg.S3.Endpoint, cfg.S3.PathStyle))
		}
		if cfg.S3.AccessKey != "" {
			opts = append(opts, s3.WithStaticCredentials(cfg.S3.AccessKey, cfg.S3.SecretKey, ""))
		}
		p, err = s3.New(ctx, opts...)
	case cfg.GCS.Bucket != "":
		opts := []gcs.Option{
			gcs.WithBucket(cfg.GCS.Bucket),
			gcs.WithPrefix(cfg.GCS.Prefix),
			gcs.WithLogger(logger),
		}
		if cfg.GCS.Endpoint != "" {
			opts = append(opts, gcs.WithEndpoint(cfg.GCS.Endpoint))
		}
		if cfg.GCS.CredentialsFile != "" {
			opts = append(opts, gcs.WithCredentialsFile(cfg.GCS.CredentialsFile))
		}
		var g *gcs.Store
		g, err = gcs.New(ctx, opts...)
		if err == nil {
			*cl = append(*cl, g.Close)
			p = g
		}
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payload store: %w", err)
	}

	if cfg.CacheDir != "" {
		c, err := cached.New(p, cached.WithDir(cfg.CacheDir), cached.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("payload cache: %w", err)
		}
		*cl = append(*cl, c.Close)
		p = c
	}
	if cfg.OTel {
		p, err = payloadotel.New(p, payloadotel.WithServiceName("maildoc"))
		if err != nil {
			return nil, fmt.Errorf("payload otel: %w", err)
		}
	}
	return p, nil
}
