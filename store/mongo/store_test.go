package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rbaliyan/maildoc/store"
	"github.com/rbaliyan/maildoc/store/storetest"
)

// Set MAILDOC_MONGO_URI to run against a live server, e.g.
// mongodb://localhost:27017
func TestConformance(t *testing.T) {
	uri := os.Getenv("MAILDOC_MONGO_URI")
	if uri == "" {
		t.Skip("MAILDOC_MONGO_URI not set")
	}

	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		coll := fmt.Sprintf("docs_%d_%d", time.Now().UnixNano()%1_000_000, n)
		s, err := Open(uri, WithDatabase("maildoc_test"), WithCollection(coll), WithPageSize(2))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() {
			ctx := context.Background()
			db := s.Client().Database("maildoc_test")
			db.Collection(coll).Drop(ctx)
			db.Collection(coll + "_indexes").Drop(ctx)
			s.Client().Disconnect(ctx)
		})
		return s
	})
}

func TestToBSON(t *testing.T) {
	doc := &store.Document{ID: "H-1", Content: []byte(`{"type":"head","size":42,"to":["a@example.com"],"part_map":{"1":"text/plain"}}`)}
	d, err := toBSON(doc)
	if err != nil {
		t.Fatalf("toBSON: %v", err)
	}
	if len(d) != 5 || d[0].Key != "type" {
		t.Errorf("unexpected conversion: %v", d)
	}
}

func TestKeyList(t *testing.T) {
	got := keyList(map[string]string{"by-type": "head"})
	if len(got) != 1 || got[0] != "by-type\x1fhead" {
		t.Errorf("keyList() = %q", got)
	}
}
