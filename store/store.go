// Package store defines the document store boundary used by the mail adaptor.
// Implementations are in store/memory, store/sqlite, store/postgres,
// store/mongo and store/redis.
//
// # Consistency Model
//
// A store keeps independent JSON documents. It offers per-document atomicity
// only: there are no multi-document transactions, and a background
// synchronization process may write any document at any time. Callers
// coordinate through two primitives:
//
//  1. Revisions: every document carries an opaque revision. A Put with a
//     stale revision fails with ErrConflict instead of overwriting a
//     concurrent write. A Put with an empty revision is a create and fails
//     with ErrConflict if the document already exists.
//
//  2. Indexes: EnsureIndex declares a named, ordered list of top-level JSON
//     fields. Query and Count match documents whose indexed fields equal the
//     given values. Keys are computed in Go with the same normalization for
//     every backend, so query results do not depend on the database.
//
// Example - optimistic update:
//
//	doc, err := s.Get(ctx, id)
//	if err != nil { return err }
//	doc.Content = newContent
//	if _, err := s.Put(ctx, doc); errors.Is(err, store.ErrConflict) {
//	    // re-read and merge; never blindly overwrite
//	}
package store

import (
	"context"
	"iter"
)

// Store is the document store client interface.
//
// All operations must be safe for concurrent use. Failures of the backend
// itself (timeouts, connection loss) are reported wrapped in ErrUnavailable.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	DocumentStore
	IndexStore
}

// DocumentStore provides per-document operations.
type DocumentStore interface {
	// Get retrieves a document by ID.
	// Returns ErrNotFound if the document doesn't exist.
	Get(ctx context.Context, id string) (*Document, error)

	// Put creates or updates a document and returns it with its new revision.
	// An empty Rev creates the document (ErrConflict if it exists).
	// A non-empty Rev must match the stored revision (ErrConflict otherwise,
	// ErrNotFound if the document was deleted meanwhile).
	Put(ctx context.Context, doc *Document) (*Document, error)

	// Delete removes a document.
	// Returns ErrNotFound if the document doesn't exist.
	Delete(ctx context.Context, id string) error
}

// IndexStore provides index management and indexed lookups.
type IndexStore interface {
	// EnsureIndex creates the index if missing and indexes existing documents.
	// Calling it again with the same definition is a no-op.
	EnsureIndex(ctx context.Context, idx Index) error

	// Query returns the documents whose indexed fields equal values, in
	// document ID order. The sequence is lazy and finite; iteration stops at
	// the first error.
	Query(ctx context.Context, index string, values ...any) iter.Seq2[*Document, error]

	// Count returns the number of documents matching the index values.
	Count(ctx context.Context, index string, values ...any) (int, error)
}

// Collect drains a query sequence into a slice.
func Collect(seq iter.Seq2[*Document, error]) ([]*Document, error) {
	var docs []*Document
	for doc, err := range seq {
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// ErrSeq returns a sequence that yields a single error.
func ErrSeq(err error) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		yield(nil, err)
	}
}
