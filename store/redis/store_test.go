package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/maildoc/store"
	"github.com/rbaliyan/maildoc/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return New(client, WithPageSize(2))
	})
}

func TestIndexesSurviveReconnect(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	s := Open(mr.Addr(), WithPrefix("mail"))
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.EnsureIndex(ctx, store.Index{Name: "by-type", Fields: []string{"type"}}); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	if _, err := s.Put(ctx, &store.Document{ID: "M-1", Content: []byte(`{"type":"mbox"}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close(ctx)

	if !mr.Exists("mail:doc:M-1") {
		t.Error("expected document hash under the configured prefix")
	}

	s = Open(mr.Addr(), WithPrefix("mail"))
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer s.Close(ctx)

	n, err := s.Count(ctx, "by-type", "mbox")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestDeleteRemovesPostings(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := Open(mr.Addr())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close(ctx)

	if err := s.EnsureIndex(ctx, store.Index{Name: "by-type", Fields: []string{"type"}}); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	if _, err := s.Put(ctx, &store.Document{ID: "H-1", Content: []byte(`{"type":"head"}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "H-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("maildoc:keys:H-1") {
		t.Error("key hash should be removed with the document")
	}
	if n, _ := s.Count(ctx, "by-type", "head"); n != 0 {
		t.Errorf("Count() = %d after delete, want 0", n)
	}
	if err := s.Delete(ctx, "H-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := Open(mr.Addr())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close(ctx)

	mr.Close()
	if _, err := s.Get(ctx, "M-1"); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable with server down, got %v", err)
	}
}
