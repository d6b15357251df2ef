// Package redis provides a Redis implementation of store.Store.
//
// Layout under the configured prefix:
//
//	<p>:doc:<id>            hash {rev, content}
//	<p>:keys:<id>           hash {index name: key}
//	<p>:idx:<name>:<key>    sorted set of ids, all scored 0 (lexical order)
//	<p>:indexes             hash {index name: fields JSON}
//
// Writes use WATCH/MULTI so a document, its key hash and its index
// entries change together.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/maildoc/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using Redis.
type Store struct {
	client    redis.UniversalClient
	opts      *options
	connected int32
	logger    *slog.Logger
	ownsConn  bool

	mu      sync.RWMutex
	indexes map[string]store.Index
}

// New creates a store over an existing client. The caller keeps ownership
// of the client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client:  client,
		opts:    o,
		logger:  o.logger,
		indexes: make(map[string]store.Index),
	}
}

// Open creates a client for addr. The returned store closes the client on
// Close.
func Open(addr string, opts ...Option) *Store {
	s := New(redis.NewClient(&redis.Options{Addr: addr}), opts...)
	s.ownsConn = true
	return s
}

func (s *Store) docKey(id string) string  { return s.opts.prefix + ":doc:" + id }
func (s *Store) keysKey(id string) string { return s.opts.prefix + ":keys:" + id }
func (s *Store) indexesKey() string       { return s.opts.prefix + ":indexes" }
func (s *Store) postingKey(index, key string) string {
	return s.opts.prefix + ":idx:" + index + ":" + key
}

// Connect pings the server and loads index definitions.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("redis: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return store.Unavailable("ping", err)
	}
	defs, err := s.client.HGetAll(ctx, s.indexesKey()).Result()
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return store.Unavailable("load indexes", err)
	}

	s.mu.Lock()
	for name, raw := range defs {
		idx := store.Index{Name: name}
		if err := json.Unmarshal([]byte(raw), &idx.Fields); err != nil {
			s.logger.Warn("skipping unreadable index definition", "index", name, "error", err)
			continue
		}
		s.indexes[name] = idx
	}
	s.mu.Unlock()

	s.logger.Info("connected to Redis document store", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	if s.ownsConn {
		return s.client.Close()
	}
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) indexList() []store.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]store.Index, 0, len(s.indexes))
	for _, idx := range s.indexes {
		list = append(list, idx)
	}
	return list
}

// =============================================================================
// Document Operations
// =============================================================================

// Get retrieves a document by ID.
func (s *Store) Get(ctx context.Context, id string) (*store.Document, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	vals, err := s.client.HMGet(ctx, s.docKey(id), "rev", "content").Result()
	if err != nil {
		return nil, store.Unavailable("get", err)
	}
	doc, ok := fromValues(id, vals)
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc, nil
}

func fromValues(id string, vals []any) (*store.Document, bool) {
	if len(vals) != 2 {
		return nil, false
	}
	rev, ok1 := vals[0].(string)
	content, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, false
	}
	return &store.Document{ID: id, Rev: rev, Content: json.RawMessage(content)}, true
}

// Put creates or updates a document with revision checking. A concurrent
// write to the same document aborts the transaction and reports
// ErrConflict.
func (s *Store) Put(ctx context.Context, doc *store.Document) (*store.Document, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	keys, err := store.DocumentKeys(doc, s.indexList())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	newRev := uuid.NewString()
	docKey, keysKey := s.docKey(doc.ID), s.keysKey(doc.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, docKey, "rev").Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return store.Unavailable("put", err)
		}

		switch {
		case doc.Rev == "" && exists:
			return store.ErrConflict
		case doc.Rev != "" && !exists:
			return store.ErrNotFound
		case doc.Rev != "" && current != doc.Rev:
			return store.ErrConflict
		}

		old, err := tx.HGetAll(ctx, keysKey).Result()
		if err != nil {
			return store.Unavailable("put", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, docKey, "rev", newRev, "content", string(doc.Content))
			s.replaceKeys(ctx, pipe, doc.ID, old, keys)
			return nil
		})
		return err
	}, docKey, keysKey)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return nil, store.ErrConflict
	case err == nil:
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnavailable):
		return nil, err
	default:
		return nil, store.Unavailable("put", err)
	}

	out := doc.Clone()
	out.Rev = newRev
	return out, nil
}

// replaceKeys queues the postings changes from old to keys.
func (s *Store) replaceKeys(ctx context.Context, pipe redis.Pipeliner, id string, old, keys map[string]string) {
	for name, key := range old {
		if nk, ok := keys[name]; !ok || nk != key {
			pipe.ZRem(ctx, s.postingKey(name, key), id)
		}
	}
	pipe.Del(ctx, s.keysKey(id))
	if len(keys) == 0 {
		return
	}
	fields := make([]any, 0, 2*len(keys))
	for name, key := range keys {
		pipe.ZAdd(ctx, s.postingKey(name, key), redis.Z{Member: id})
		fields = append(fields, name, key)
	}
	pipe.HSet(ctx, s.keysKey(id), fields...)
}

// Delete removes a document and its index entries.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	docKey, keysKey := s.docKey(id), s.keysKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, docKey).Result()
		if err != nil {
			return store.Unavailable("delete", err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
		old, err := tx.HGetAll(ctx, keysKey).Result()
		if err != nil {
			return store.Unavailable("delete", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for name, key := range old {
				pipe.ZRem(ctx, s.postingKey(name, key), id)
			}
			pipe.Del(ctx, docKey, keysKey)
			return nil
		})
		return err
	}, docKey, keysKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return store.ErrConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnavailable):
		return err
	default:
		return store.Unavailable("delete", err)
	}
}

// =============================================================================
// Index Operations
// =============================================================================

// EnsureIndex saves the definition and rebuilds the index when it is new
// or changed.
func (s *Store) EnsureIndex(ctx context.Context, idx store.Index) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := idx.Validate(); err != nil {
		return err
	}

	s.mu.RLock()
	existing, ok := s.indexes[idx.Name]
	s.mu.RUnlock()
	if ok && existing.Equal(idx) {
		return nil
	}

	fields, err := json.Marshal(idx.Fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.indexes[idx.Name] = store.Index{Name: idx.Name, Fields: append([]string(nil), idx.Fields...)}
	s.mu.Unlock()

	if err := s.client.HSet(ctx, s.indexesKey(), idx.Name, string(fields)).Err(); err != nil {
		return store.Unavailable("save index", err)
	}

	prefix := s.opts.prefix + ":doc:"
	it := s.client.Scan(ctx, 0, prefix+"*", int64(s.opts.pageSize)).Iterator()
	for it.Next(ctx) {
		id := strings.TrimPrefix(it.Val(), prefix)
		if err := s.reindex(ctx, idx, id); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return store.Unavailable("backfill", err)
	}
	return nil
}

func (s *Store) reindex(ctx context.Context, idx store.Index, id string) error {
	docKey, keysKey := s.docKey(id), s.keysKey(id)
	for attempt := 0; attempt < s.opts.retries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HMGet(ctx, docKey, "rev", "content").Result()
			if err != nil {
				return err
			}
			doc, ok := fromValues(id, vals)
			if !ok {
				return nil
			}
			oldKey, err := tx.HGet(ctx, keysKey, idx.Name).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			key, indexed, err := idx.DocumentKey(doc)
			if err != nil {
				s.logger.Warn("skipping unreadable document during backfill", "id", id, "error", err)
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if oldKey != "" && (!indexed || oldKey != key) {
					pipe.ZRem(ctx, s.postingKey(idx.Name, oldKey), id)
				}
				if indexed {
					pipe.ZAdd(ctx, s.postingKey(idx.Name, key), redis.Z{Member: id})
					pipe.HSet(ctx, keysKey, idx.Name, key)
				} else {
					pipe.HDel(ctx, keysKey, idx.Name)
				}
				return nil
			})
			return err
		}, docKey, keysKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return store.Unavailable("backfill", err)
		}
	}
	s.logger.Warn("document kept changing during backfill", "id", id, "index", idx.Name)
	return nil
}

func (s *Store) postingFor(index string, values []any) (string, error) {
	s.mu.RLock()
	idx, ok := s.indexes[index]
	s.mu.RUnlock()
	if !ok {
		return "", store.ErrUnknownIndex
	}
	key, err := idx.QueryKey(values...)
	if err != nil {
		return "", err
	}
	return s.postingKey(index, key), nil
}

// Query returns matching documents in ID order, paging through the index
// by lexical range.
func (s *Store) Query(ctx context.Context, index string, values ...any) iter.Seq2[*store.Document, error] {
	return func(yield func(*store.Document, error) bool) {
		if err := s.checkConnected(); err != nil {
			yield(nil, err)
			return
		}
		posting, err := s.postingFor(index, values)
		if err != nil {
			yield(nil, err)
			return
		}

		from := "-"
		for {
			docs, more, last, err := s.fetchPage(ctx, posting, from)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, d := range docs {
				if !yield(d, nil) {
					return
				}
			}
			if !more {
				return
			}
			from = "(" + last
		}
	}
}

func (s *Store) fetchPage(ctx context.Context, posting, from string) ([]*store.Document, bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	ids, err := s.client.ZRangeByLex(ctx, posting, &redis.ZRangeBy{
		Min:   from,
		Max:   "+",
		Count: int64(s.opts.pageSize),
	}).Result()
	if err != nil {
		return nil, false, "", store.Unavailable("query", err)
	}
	if len(ids) == 0 {
		return nil, false, "", nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.docKey(id), "rev", "content")
		}
		return nil
	})
	if err != nil {
		return nil, false, "", store.Unavailable("query", err)
	}

	docs := make([]*store.Document, 0, len(ids))
	for i, cmd := range cmds {
		// Removed between the range read and the fetch.
		if doc, ok := fromValues(ids[i], cmd.Val()); ok {
			docs = append(docs, doc)
		}
	}
	return docs, len(ids) == s.opts.pageSize, ids[len(ids)-1], nil
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, index string, values ...any) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	posting, err := s.postingFor(index, values)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	n, err := s.client.ZCard(ctx, posting).Result()
	if err != nil {
		return 0, store.Unavailable("count", err)
	}
	return int(n), nil
}
