// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
//
// Besides the store.Store contract it exposes ApplyRemote and RemoveRemote,
// which write or delete a document the way an incoming synchronization batch
// would: unconditionally and with a fresh revision. Tests use them to race
// local operations against remote changes.
package memory

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/maildoc/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]*store.Document
	indexes map[string]store.Index
	// postings maps index name -> key -> set of document IDs.
	postings map[string]map[string]map[string]struct{}
	// docKeys maps document ID -> index name -> key, used to unindex on change.
	docKeys map[string]map[string]string

	revSeq    int64
	connected int32
	opts      *options
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	return &Store{
		docs:     make(map[string]*store.Document),
		indexes:  make(map[string]store.Index),
		postings: make(map[string]map[string]map[string]struct{}),
		docKeys:  make(map[string]map[string]string),
		opts:     newOptions(opts...),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected. Data is kept so a store can be
// reconnected within the same test.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) check(ctx context.Context, op, id string) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return store.Unavailable(op, err)
	}
	if s.opts.fault != nil {
		if err := s.opts.fault(op, id); err != nil {
			return store.Unavailable(op, err)
		}
	}
	return nil
}

func (s *Store) nextRev() string {
	return strconv.FormatInt(atomic.AddInt64(&s.revSeq, 1), 10)
}

// =============================================================================
// Document Operations
// =============================================================================

// Get retrieves a document by ID.
func (s *Store) Get(ctx context.Context, id string) (*store.Document, error) {
	if id == "" {
		return nil, store.ErrInvalidID
	}
	if err := s.check(ctx, "get", id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc.Clone(), nil
}

// Put creates or updates a document with revision checking.
func (s *Store) Put(ctx context.Context, doc *store.Document) (*store.Document, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if err := s.check(ctx, "put", doc.ID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[doc.ID]
	switch {
	case doc.Rev == "" && exists:
		return nil, store.ErrConflict
	case doc.Rev != "" && !exists:
		return nil, store.ErrNotFound
	case doc.Rev != "" && current.Rev != doc.Rev:
		return nil, store.ErrConflict
	}

	return s.writeLocked(doc)
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrInvalidID
	}
	if err := s.check(ctx, "delete", id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return store.ErrNotFound
	}
	s.removeLocked(id)
	return nil
}

// writeLocked stores a copy of doc under a new revision and reindexes it.
func (s *Store) writeLocked(doc *store.Document) (*store.Document, error) {
	keys, err := store.DocumentKeys(doc, slices.Collect(maps.Values(s.indexes)))
	if err != nil {
		return nil, err
	}

	stored := doc.Clone()
	stored.Rev = s.nextRev()

	s.unindexLocked(doc.ID)
	s.docs[doc.ID] = stored
	s.indexLocked(doc.ID, keys)

	return stored.Clone(), nil
}

func (s *Store) removeLocked(id string) {
	s.unindexLocked(id)
	delete(s.docs, id)
}

func (s *Store) indexLocked(id string, keys map[string]string) {
	for name, key := range keys {
		byKey := s.postings[name]
		if byKey == nil {
			byKey = make(map[string]map[string]struct{})
			s.postings[name] = byKey
		}
		ids := byKey[key]
		if ids == nil {
			ids = make(map[string]struct{})
			byKey[key] = ids
		}
		ids[id] = struct{}{}
	}
	s.docKeys[id] = keys
}

func (s *Store) unindexLocked(id string) {
	for name, key := range s.docKeys[id] {
		if ids := s.postings[name][key]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.postings[name], key)
			}
		}
	}
	delete(s.docKeys, id)
}

// =============================================================================
// Index Operations
// =============================================================================

// EnsureIndex registers the index and indexes all existing documents.
func (s *Store) EnsureIndex(ctx context.Context, idx store.Index) error {
	if err := idx.Validate(); err != nil {
		return err
	}
	if err := s.check(ctx, "ensure_index", idx.Name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.indexes[idx.Name]; ok && existing.Equal(idx) {
		return nil
	}

	// Definition is new or changed: rebuild its postings from scratch.
	s.indexes[idx.Name] = store.Index{Name: idx.Name, Fields: slices.Clone(idx.Fields)}
	byKey := make(map[string]map[string]struct{})
	s.postings[idx.Name] = byKey
	for id, doc := range s.docs {
		delete(s.docKeys[id], idx.Name)
		key, ok, err := idx.DocumentKey(doc)
		if err != nil || !ok {
			continue
		}
		if byKey[key] == nil {
			byKey[key] = make(map[string]struct{})
		}
		byKey[key][id] = struct{}{}
		if s.docKeys[id] == nil {
			s.docKeys[id] = make(map[string]string)
		}
		s.docKeys[id][idx.Name] = key
	}

	s.opts.logger.Debug("memory index ensured", "index", idx.Name, "fields", idx.Fields)
	return nil
}

// matchLocked returns the sorted IDs matching the index values.
func (s *Store) matchLocked(index string, values []any) ([]string, error) {
	idx, ok := s.indexes[index]
	if !ok {
		return nil, store.ErrUnknownIndex
	}
	key, err := idx.QueryKey(values...)
	if err != nil {
		return nil, err
	}
	ids := slices.Collect(maps.Keys(s.postings[index][key]))
	slices.SortFunc(ids, cmp.Compare[string])
	return ids, nil
}

// Query returns the matching documents. The ID set is captured when
// iteration starts; documents deleted during iteration are skipped.
func (s *Store) Query(ctx context.Context, index string, values ...any) iter.Seq2[*store.Document, error] {
	return func(yield func(*store.Document, error) bool) {
		if err := s.check(ctx, "query", index); err != nil {
			yield(nil, err)
			return
		}

		s.mu.RLock()
		ids, err := s.matchLocked(index, values)
		s.mu.RUnlock()
		if err != nil {
			yield(nil, err)
			return
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, store.Unavailable("query", err))
				return
			}
			s.mu.RLock()
			doc, ok := s.docs[id]
			if ok {
				doc = doc.Clone()
			}
			s.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, index string, values ...any) (int, error) {
	if err := s.check(ctx, "count", index); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, err := s.matchLocked(index, values)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// =============================================================================
// Synchronization Simulation
// =============================================================================

// ApplyRemote writes doc unconditionally, as an incoming sync batch would.
// The stored document receives a fresh revision, so any local holder of the
// previous revision will see ErrConflict on its next Put.
func (s *Store) ApplyRemote(_ context.Context, doc *store.Document) (*store.Document, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(doc)
}

// RemoveRemote deletes a document unconditionally, as a remote deletion would.
func (s *Store) RemoveRemote(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// IDs returns all stored document IDs in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Collect(maps.Keys(s.docs))
	slices.Sort(ids)
	return ids
}
