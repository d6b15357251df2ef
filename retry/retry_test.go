package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/maildoc/store"
)

func fast() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		var retried []int
		cfg := fast()
		cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }
		err := Do(ctx, cfg, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return store.Unavailable("put", errors.New("timeout"))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
		if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
			t.Errorf("unexpected OnRetry attempts %v", retried)
		}
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := Do(ctx, fast(), func(ctx context.Context) error {
			calls++
			return store.ErrInvalidID
		})
		if !errors.Is(err, ErrNotRetryable) || !errors.Is(err, store.ErrInvalidID) {
			t.Errorf("expected ErrNotRetryable wrapping ErrInvalidID, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Do(ctx, fast(), func(ctx context.Context) error {
			calls++
			return store.ErrConflict
		})
		var re *Error
		if !errors.As(err, &re) {
			t.Fatalf("expected *Error, got %v", err)
		}
		if !errors.Is(err, ErrMaxRetries) || re.Attempts != 4 || calls != 4 {
			t.Errorf("unexpected result: %v (calls %d)", err, calls)
		}
	})

	t.Run("context canceled between attempts", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cfg := fast()
		cfg.InitialBackoff = time.Hour
		cfg.MaxBackoff = time.Hour
		err := Do(cctx, cfg, func(ctx context.Context) error {
			cancel()
			return store.ErrNotConnected
		})
		if !errors.Is(err, ErrContextCanceled) || !errors.Is(err, store.ErrNotConnected) {
			t.Errorf("expected ErrContextCanceled, got %v", err)
		}
	})

	t.Run("canceled before first attempt", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := Do(cctx, fast(), func(ctx context.Context) error {
			called = true
			return nil
		})
		if called || !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled without a call, got %v (called %v)", err, called)
		}
	})
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fast(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, store.ErrUnavailable
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("DoValue = %d, %v", v, err)
	}
}

func TestDefaultIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", store.Unavailable("get", errors.New("dial tcp")), true},
		{"not connected", store.ErrNotConnected, true},
		{"conflict", store.ErrConflict, true},
		{"not found", store.ErrNotFound, false},
		{"plain error", errors.New("boom"), false},
		{"context canceled", context.Canceled, false},
		{"marked retryable", MarkRetryable(errors.New("boom")), true},
		{"marked not retryable", MarkNotRetryable(store.ErrUnavailable), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultIsRetryable(tt.err); got != tt.want {
				t.Errorf("DefaultIsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	cfg := applyDefaults(Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for i, w := range want {
		if got := backoff(cfg, i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}

	cfg.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := backoff(cfg, 0)
		if d < 5*time.Millisecond || d > 15*time.Millisecond {
			t.Fatalf("jittered backoff %v out of range", d)
		}
	}
}
