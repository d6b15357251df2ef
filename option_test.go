package maildoc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewOptions(t *testing.T) {
	t.Run("returns defaults without options", func(t *testing.T) {
		opts := newOptions()

		if opts.maxMessageSize != DefaultMaxMessageSize {
			t.Errorf("expected maxMessageSize %v, got %v", DefaultMaxMessageSize, opts.maxMessageSize)
		}
		if opts.maxParts != DefaultMaxParts {
			t.Errorf("expected maxParts %v, got %v", DefaultMaxParts, opts.maxParts)
		}
		if opts.payloadThreshold != DefaultPayloadThreshold {
			t.Errorf("expected payloadThreshold %v, got %v", DefaultPayloadThreshold, opts.payloadThreshold)
		}
		if opts.maxConflictRounds != DefaultMaxConflictRounds {
			t.Errorf("expected maxConflictRounds %v, got %v", DefaultMaxConflictRounds, opts.maxConflictRounds)
		}
		if opts.maxConcurrentTasks != DefaultMaxConcurrentTasks {
			t.Errorf("expected maxConcurrentTasks %v, got %v", DefaultMaxConcurrentTasks, opts.maxConcurrentTasks)
		}
		if opts.repairGracePeriod != DefaultRepairGracePeriod {
			t.Errorf("expected repairGracePeriod %v, got %v", DefaultRepairGracePeriod, opts.repairGracePeriod)
		}
		if opts.repairRate != rate.Limit(DefaultRepairRate) {
			t.Errorf("expected repairRate %v, got %v", DefaultRepairRate, opts.repairRate)
		}
		if opts.codecs == nil || opts.messageClass == nil || opts.onEventPublishFailure == nil {
			t.Error("expected codecs, message class and failure handler defaults")
		}
	})
}

func TestWithLogger(t *testing.T) {
	t.Run("sets custom logger", func(t *testing.T) {
		customLogger := slog.Default()
		opts := newOptions(WithLogger(customLogger))
		if opts.logger != customLogger {
			t.Error("expected custom logger to be set")
		}
	})

	t.Run("ignores nil logger", func(t *testing.T) {
		opts := newOptions(WithLogger(nil))
		if opts.logger == nil {
			t.Error("expected default logger when nil passed")
		}
	})
}

func TestWithOTel(t *testing.T) {
	t.Run("enables both tracing and metrics", func(t *testing.T) {
		opts := newOptions(WithOTel(true))
		if !opts.tracingEnabled || !opts.metricsEnabled {
			t.Error("expected tracing and metrics to be enabled")
		}
	})

	t.Run("individual switches", func(t *testing.T) {
		opts := newOptions(WithTracing(true), WithMetrics(false))
		if !opts.tracingEnabled || opts.metricsEnabled {
			t.Errorf("unexpected tracing=%v metrics=%v", opts.tracingEnabled, opts.metricsEnabled)
		}
	})

	t.Run("adaptor works with otel enabled", func(t *testing.T) {
		a := setupTestAdaptor(t, nil, WithOTel(true), WithServiceName("maildoc-test"))
		m := mustMbox(t, a, "INBOX")
		mustCreate(t, a, m.UUID, onePart)
	})
}

func TestLimitOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(*options) bool
	}{
		{"WithMaxMessageSize", WithMaxMessageSize(1024), func(o *options) bool { return o.maxMessageSize == 1024 }},
		{"WithMaxMessageSize ignores zero", WithMaxMessageSize(0), func(o *options) bool { return o.maxMessageSize == DefaultMaxMessageSize }},
		{"WithMaxParts", WithMaxParts(3), func(o *options) bool { return o.maxParts == 3 }},
		{"WithMaxParts ignores negative", WithMaxParts(-1), func(o *options) bool { return o.maxParts == DefaultMaxParts }},
		{"WithPayloadThreshold", WithPayloadThreshold(10), func(o *options) bool { return o.payloadThreshold == 10 }},
		{"WithMaxConflictRounds", WithMaxConflictRounds(7), func(o *options) bool { return o.maxConflictRounds == 7 }},
		{"WithMaxConflictRounds ignores zero", WithMaxConflictRounds(0), func(o *options) bool { return o.maxConflictRounds == DefaultMaxConflictRounds }},
		{"WithMaxConcurrentTasks", WithMaxConcurrentTasks(2), func(o *options) bool { return o.maxConcurrentTasks == 2 }},
		{"WithRepairGracePeriod", WithRepairGracePeriod(time.Hour), func(o *options) bool { return o.repairGracePeriod == time.Hour }},
		{"WithRepairRate", WithRepairRate(5), func(o *options) bool { return o.repairRate == 5 }},
		{"WithRepairRate ignores zero", WithRepairRate(0), func(o *options) bool { return o.repairRate == DefaultRepairRate }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(newOptions(tt.opt)) {
				t.Error("option not applied as expected")
			}
		})
	}
}

func TestWithShutdownTimeout(t *testing.T) {
	t.Run("sets custom shutdown timeout", func(t *testing.T) {
		opts := newOptions(WithShutdownTimeout(time.Minute))
		if opts.shutdownTimeout != time.Minute {
			t.Errorf("expected shutdownTimeout %v, got %v", time.Minute, opts.shutdownTimeout)
		}
	})

	t.Run("raises timeout below minimum", func(t *testing.T) {
		opts := newOptions(WithShutdownTimeout(500 * time.Millisecond))
		if opts.shutdownTimeout != MinShutdownTimeout {
			t.Errorf("expected shutdownTimeout %v, got %v", MinShutdownTimeout, opts.shutdownTimeout)
		}
	})
}

func TestSafeEventPublishFailure(t *testing.T) {
	opts := newOptions(WithEventPublishFailureHandler(func(string, error) {
		panic("boom")
	}))
	// Must not panic.
	opts.safeEventPublishFailure(EventNameMessageCreated, errors.New("broker down"))
}

// mockPlugin records hook calls.
type mockPlugin struct {
	mu        sync.Mutex
	calls     []string
	rejectDel bool
}

func (p *mockPlugin) record(s string) {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
}

func (p *mockPlugin) Name() string                    { return "mock" }
func (p *mockPlugin) Init(ctx context.Context) error  { p.record("init"); return nil }
func (p *mockPlugin) Close(ctx context.Context) error { p.record("close"); return nil }

func (p *mockPlugin) BeforeCreate(ctx context.Context, msg MessageWrapper) error {
	p.record("before_create")
	return nil
}

func (p *mockPlugin) AfterCreate(ctx context.Context, msg MessageWrapper) error {
	p.record("after_create")
	return errors.New("ignored")
}

func (p *mockPlugin) BeforeDelete(ctx context.Context, msg MessageWrapper) error {
	p.record("before_delete")
	if p.rejectDel {
		return errors.New("retention hold")
	}
	return nil
}

func (p *mockPlugin) AfterDelete(ctx context.Context, msg MessageWrapper) error {
	p.record("after_delete")
	return nil
}

func TestWithPlugins(t *testing.T) {
	t.Run("filters nil plugins", func(t *testing.T) {
		opts := newOptions(WithPlugins(&mockPlugin{}, nil), WithPlugin(nil))
		if len(opts.plugins) != 1 {
			t.Errorf("expected 1 plugin (nil filtered), got %d", len(opts.plugins))
		}
	})

	t.Run("hooks run around create and delete", func(t *testing.T) {
		ctx := context.Background()
		p := &mockPlugin{}
		a := setupTestAdaptor(t, nil, WithPlugin(p))
		m := mustMbox(t, a, "INBOX")
		msg := mustCreate(t, a, m.UUID, onePart)

		p.rejectDel = true
		err := a.DeleteMsg(ctx, msg)
		var pe *PluginError
		if !errors.As(err, &pe) || pe.Op != "BeforeDelete" {
			t.Fatalf("expected a BeforeDelete plugin error, got %v", err)
		}
		if !msg.Saved() {
			t.Error("rejected delete should leave the message saved")
		}

		p.rejectDel = false
		if err := a.DeleteMsg(ctx, msg); err != nil {
			t.Fatalf("DeleteMsg: %v", err)
		}
		if err := a.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}

		want := []string{"init", "before_create", "after_create", "before_delete", "before_delete", "after_delete", "close"}
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.calls) != len(want) {
			t.Fatalf("calls = %v, want %v", p.calls, want)
		}
		for i := range want {
			if p.calls[i] != want[i] {
				t.Fatalf("calls = %v, want %v", p.calls, want)
			}
		}
	})
}
