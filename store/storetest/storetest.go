// Package storetest provides a conformance suite shared by all store.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/maildoc/store"
)

// Factory returns a new, empty and unconnected store.
type Factory func(t *testing.T) store.Store

var (
	byType     = store.Index{Name: "by-type", Fields: []string{"type"}}
	byTypeMbox = store.Index{Name: "by-type-mbox", Fields: []string{"type", "mbox"}}
	byTypeSeen = store.Index{Name: "by-type-seen", Fields: []string{"type", "seen"}}
)

type flagsDoc struct {
	Type  string   `json:"type"`
	Mbox  string   `json:"mbox,omitempty"`
	Seen  bool     `json:"seen"`
	Flags []string `json:"flags,omitempty"`
}

func mustDoc(t *testing.T, id string, v any) *store.Document {
	t.Helper()
	doc, err := store.NewDocument(id, v)
	if err != nil {
		t.Fatalf("new document: %v", err)
	}
	return doc
}

func connected(t *testing.T, newStore Factory) store.Store {
	t.Helper()
	ctx := context.Background()
	s := newStore(t)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	for _, idx := range []store.Index{byType, byTypeMbox, byTypeSeen} {
		if err := s.EnsureIndex(ctx, idx); err != nil {
			t.Fatalf("ensure index %s: %v", idx.Name, err)
		}
	}
	return s
}

func ids(t *testing.T, s store.Store, index string, values ...any) []string {
	t.Helper()
	docs, err := store.Collect(s.Query(context.Background(), index, values...))
	if err != nil {
		t.Fatalf("query %s %v: %v", index, values, err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

// Run executes the conformance suite against the store produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore) })
	t.Run("CreateGetDelete", func(t *testing.T) { testCreateGetDelete(t, newStore) })
	t.Run("RevisionConflicts", func(t *testing.T) { testRevisionConflicts(t, newStore) })
	t.Run("Query", func(t *testing.T) { testQuery(t, newStore) })
	t.Run("IndexBackfill", func(t *testing.T) { testIndexBackfill(t, newStore) })
	t.Run("QueryErrors", func(t *testing.T) { testQueryErrors(t, newStore) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore) })
}

func testLifecycle(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	if _, err := s.Get(ctx, "x"); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before connect, got %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("second close should not error, got %v", err)
	}
}

func testCreateGetDelete(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := connected(t, newStore)

	created, err := s.Put(ctx, mustDoc(t, "F-1", flagsDoc{Type: "flags", Mbox: "inbox", Flags: []string{`\Recent`}}))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if created.Rev == "" {
		t.Fatal("expected a revision after create")
	}

	got, err := s.Get(ctx, "F-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Rev != created.Rev {
		t.Errorf("rev = %q, want %q", got.Rev, created.Rev)
	}
	var fd flagsDoc
	if err := got.Decode(&fd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := flagsDoc{Type: "flags", Mbox: "inbox", Flags: []string{`\Recent`}}
	if diff := cmp.Diff(want, fd); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Get(ctx, ""); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.Delete(ctx, "F-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "F-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := s.Get(ctx, "F-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if got := ids(t, s, byType.Name, "flags"); len(got) != 0 {
		t.Errorf("deleted document still indexed: %v", got)
	}
}

func testRevisionConflicts(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := connected(t, newStore)

	first, err := s.Put(ctx, mustDoc(t, "F-1", flagsDoc{Type: "flags"}))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	t.Run("create of existing id conflicts", func(t *testing.T) {
		_, err := s.Put(ctx, mustDoc(t, "F-1", flagsDoc{Type: "flags"}))
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("update with current rev succeeds", func(t *testing.T) {
		doc := mustDoc(t, "F-1", flagsDoc{Type: "flags", Seen: true})
		doc.Rev = first.Rev
		second, err := s.Put(ctx, doc)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if second.Rev == first.Rev {
			t.Error("revision did not change")
		}

		stale := mustDoc(t, "F-1", flagsDoc{Type: "flags"})
		stale.Rev = first.Rev
		if _, err := s.Put(ctx, stale); !errors.Is(err, store.ErrConflict) {
			t.Errorf("expected ErrConflict for stale rev, got %v", err)
		}
	})

	t.Run("update of deleted document", func(t *testing.T) {
		cur, err := s.Get(ctx, "F-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if err := s.Delete(ctx, "F-1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Put(ctx, cur); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("recreated document does not accept old revision", func(t *testing.T) {
		old, err := s.Put(ctx, mustDoc(t, "F-2", flagsDoc{Type: "flags"}))
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.Delete(ctx, "F-2"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Put(ctx, mustDoc(t, "F-2", flagsDoc{Type: "flags"})); err != nil {
			t.Fatalf("recreate: %v", err)
		}
		if _, err := s.Put(ctx, old); !errors.Is(err, store.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})
}

func testQuery(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := connected(t, newStore)

	docs := []struct {
		id  string
		doc flagsDoc
	}{
		{"F-a1", flagsDoc{Type: "flags", Mbox: "a", Seen: true}},
		{"F-a2", flagsDoc{Type: "flags", Mbox: "a"}},
		{"F-b1", flagsDoc{Type: "flags", Mbox: "b"}},
		{"H-1", flagsDoc{Type: "head"}},
	}
	for _, d := range docs {
		if _, err := s.Put(ctx, mustDoc(t, d.id, d.doc)); err != nil {
			t.Fatalf("put %s: %v", d.id, err)
		}
	}

	if diff := cmp.Diff([]string{"F-a1", "F-a2"}, ids(t, s, byTypeMbox.Name, "flags", "a")); diff != "" {
		t.Errorf("mailbox a (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"F-a2", "F-b1"}, ids(t, s, byTypeSeen.Name, "flags", false)); diff != "" {
		t.Errorf("unseen (-want +got):\n%s", diff)
	}
	// The header has no mbox field and must not appear under by-type-mbox.
	if got := ids(t, s, byTypeMbox.Name, "head", ""); len(got) != 0 {
		t.Errorf("document without field indexed: %v", got)
	}

	n, err := s.Count(ctx, byTypeSeen.Name, "flags", true)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("seen count = %d, want 1", n)
	}

	// Updating the indexed field moves the document between keys.
	cur, err := s.Get(ctx, "F-a2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	upd := mustDoc(t, "F-a2", flagsDoc{Type: "flags", Mbox: "a", Seen: true})
	upd.Rev = cur.Rev
	if _, err := s.Put(ctx, upd); err != nil {
		t.Fatalf("put: %v", err)
	}
	n, err = s.Count(ctx, byTypeSeen.Name, "flags", true)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("seen count after update = %d, want 2", n)
	}

	t.Run("early break", func(t *testing.T) {
		count := 0
		for _, err := range s.Query(ctx, byType.Name, "flags") {
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			count++
			break
		}
		if count != 1 {
			t.Errorf("expected to stop after one document, got %d", count)
		}
	})
}

func testIndexBackfill(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := connected(t, newStore)

	for i := range 3 {
		id := fmt.Sprintf("F-%d", i)
		if _, err := s.Put(ctx, mustDoc(t, id, flagsDoc{Type: "flags", Mbox: "late"})); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	late := store.Index{Name: "by-mbox", Fields: []string{"mbox"}}
	if err := s.EnsureIndex(ctx, late); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	if err := s.EnsureIndex(ctx, late); err != nil {
		t.Fatalf("ensure index twice: %v", err)
	}
	n, err := s.Count(ctx, late.Name, "late")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("backfilled count = %d, want 3", n)
	}
}

func testQueryErrors(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := connected(t, newStore)

	if _, err := s.Count(ctx, "no-such-index", "x"); !errors.Is(err, store.ErrUnknownIndex) {
		t.Errorf("expected ErrUnknownIndex, got %v", err)
	}
	if _, err := store.Collect(s.Query(ctx, byTypeMbox.Name, "flags")); !errors.Is(err, store.ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery for missing value, got %v", err)
	}
	if _, err := s.Put(ctx, &store.Document{ID: "bad", Content: []byte(`[1,2]`)}); !errors.Is(err, store.ErrInvalidDocument) {
		t.Errorf("expected ErrInvalidDocument, got %v", err)
	}
}

func testConcurrentCreate(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := connected(t, newStore)

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, mustDoc(t, "F-race", flagsDoc{Type: "flags"}))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, writers-1)
	}
}
