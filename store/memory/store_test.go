package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/maildoc/store"
	"github.com/rbaliyan/maildoc/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestApplyRemote(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	local, err := s.Put(ctx, &store.Document{ID: "F-1", Content: []byte(`{"type":"flags"}`)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	remote, err := s.ApplyRemote(ctx, &store.Document{ID: "F-1", Content: []byte(`{"type":"flags","seen":true}`)})
	if err != nil {
		t.Fatalf("apply remote: %v", err)
	}
	if remote.Rev == local.Rev {
		t.Error("remote write must produce a new revision")
	}

	local.Content = []byte(`{"type":"flags","recent":true}`)
	if _, err := s.Put(ctx, local); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict after remote write, got %v", err)
	}

	s.RemoveRemote(ctx, "F-1")
	if s.Len() != 0 {
		t.Errorf("Len() = %d after remote removal, want 0", s.Len())
	}
}

func TestFault(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")
	s := New(WithFault(func(op, id string) error {
		if op == "put" && id == "C-x-2" {
			return boom
		}
		return nil
	}))
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := s.Put(ctx, &store.Document{ID: "C-x-1", Content: []byte(`{}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := s.Put(ctx, &store.Document{ID: "C-x-2", Content: []byte(`{}`)})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Get(ctx, "x"); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for cancelled context, got %v", err)
	}
}
