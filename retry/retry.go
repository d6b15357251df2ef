// Package retry retries adaptor calls that failed for transient reasons.
//
// The adaptor never retries internally. A store timeout, a disconnected
// backend or a lost conflict race surfaces to the caller, who decides
// whether the operation is safe to repeat:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return a.UpdateMsg(ctx, msg)
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rbaliyan/maildoc/store"
)

// Config controls attempts and backoff.
type Config struct {
	// MaxRetries is the number of attempts after the first (default: 3).
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 50ms).
	InitialBackoff time.Duration

	// MaxBackoff caps a single delay (default: 5s).
	MaxBackoff time.Duration

	// Multiplier grows the delay after each retry (default: 2.0).
	Multiplier float64

	// Jitter is the fraction of each delay that is randomized, 0 to 1.
	Jitter float64

	// IsRetryable classifies errors. Nil means DefaultIsRetryable.
	IsRetryable func(error) bool

	// OnRetry, if set, is called before each wait with the attempt that
	// just failed (1-based) and its error.
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns the settings used by the maildoc command.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		IsRetryable:    DefaultIsRetryable,
	}
}

var (
	// ErrNotRetryable is reported when the error was classified permanent.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries is reported when every attempt failed.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled is reported when ctx ended between attempts.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// Func is one attempt.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, fails permanently, exhausts cfg.MaxRetries
// or ctx ends. A failure is returned as a *Error whose Cause is the last
// error from fn.
func Do(ctx context.Context, cfg Config, fn Func) error {
	cfg = applyDefaults(cfg)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return &Error{Cause: lastErr, Attempts: attempt, Err: ErrContextCanceled}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			return &Error{Cause: err, Attempts: attempt + 1, Err: ErrNotRetryable}
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Error{Cause: err, Attempts: attempt + 1, Err: ErrContextCanceled}
		case <-timer.C:
		}
	}

	return &Error{Cause: lastErr, Attempts: cfg.MaxRetries + 1, Err: ErrMaxRetries}
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var v T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		v, err = fn(ctx)
		return err
	})
	return v, err
}

// Error describes a call that did not succeed.
type Error struct {
	// Cause is the last error returned by the attempted function.
	Cause error
	// Attempts counts calls made.
	Attempts int
	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", e.Err, e.Attempts, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		spread := d * cfg.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// DefaultIsRetryable retries errors the store marks transient: an
// unavailable or disconnected backend and a lost revision race. Errors
// wrapped with MarkRetryable or MarkNotRetryable override the store
// classification. Everything else is permanent.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return store.IsUnavailable(err) || store.IsNotConnected(err) || store.IsConflict(err)
}

// MarkNotRetryable stops Do from retrying err.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retry: false}
}

// MarkRetryable makes Do retry err regardless of its type.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retry: true}
}

type marked struct {
	cause error
	retry bool
}

func (e *marked) Error() string   { return e.cause.Error() }
func (e *marked) Unwrap() error   { return e.cause }
func (e *marked) Retryable() bool { return e.retry }
