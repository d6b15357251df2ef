// Package mongo provides a MongoDB implementation of store.Store.
//
// Each document is stored with its JSON content converted to BSON and a
// "keys" array holding one "<index>\x1f<key>" entry per index the document
// belongs to. A multikey index on that array serves every query.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/maildoc/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

const keySep = "\x1f"

// backfillAttempts bounds how often a concurrently modified document is
// re-read while an index is rebuilt.
const backfillAttempts = 3

// Store implements store.Store using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	indexColl  *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger

	mu      sync.RWMutex
	indexes map[string]store.Index
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client:  client,
		opts:    o,
		logger:  o.logger,
		indexes: make(map[string]store.Index),
	}
}

// Open connects a new client to uri. The caller should disconnect the
// client returned by Client when done.
func Open(uri string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return New(client, opts...), nil
}

// Client returns the underlying MongoDB client.
func (s *Store) Client() *mongo.Client { return s.client }

// Connect pings the server, creates the key index and loads index
// definitions.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return store.Unavailable("ping", err)
	}

	db := s.client.Database(s.opts.database)
	s.collection = db.Collection(s.opts.collection)
	s.indexColl = db.Collection(s.opts.collection + "_indexes")

	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "keys", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}
	if err := s.loadIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return err
	}

	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

type indexDoc struct {
	Name   string   `bson:"_id"`
	Fields []string `bson:"fields"`
}

func (s *Store) loadIndexes(ctx context.Context) error {
	cur, err := s.indexColl.Find(ctx, bson.D{})
	if err != nil {
		return store.Unavailable("load indexes", err)
	}
	var defs []indexDoc
	if err := cur.All(ctx, &defs); err != nil {
		return store.Unavailable("load indexes", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range defs {
		s.indexes[d.Name] = store.Index{Name: d.Name, Fields: d.Fields}
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
// Conversion
// =============================================================================

// record is the stored form of a document.
type record struct {
	ID        string    `bson:"_id"`
	Rev       string    `bson:"rev"`
	Content   bson.Raw  `bson:"content"`
	Keys      []string  `bson:"keys"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (r *record) document() (*store.Document, error) {
	data, err := bson.MarshalExtJSON(r.Content, false, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", store.ErrInvalidDocument, r.ID, err)
	}
	return &store.Document{ID: r.ID, Rev: r.Rev, Content: data}, nil
}

func toBSON(doc *store.Document) (bson.D, error) {
	var content bson.D
	if err := bson.UnmarshalExtJSON(doc.Content, false, &content); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", store.ErrInvalidDocument, doc.ID, err)
	}
	return content, nil
}

func keyList(keys map[string]string) []string {
	list := make([]string, 0, len(keys))
	for name, key := range keys {
		list = append(list, name+keySep+key)
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

	var rec record
	if err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, store.Unavailable("get", err)
	}
	return rec.document()
}

// Put creates or updates a document with revision checking. Content and
// index keys change in one single-document write.
func (s *Store) Put(ctx context.Context, doc *store.Document) (*store.Document, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	content, err := toBSON(doc)
	if err != nil {
		return nil, err
	}
	keys, err := store.DocumentKeys(doc, s.indexList())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	newRev := uuid.NewString()
	now := time.Now().UTC()

	if doc.Rev == "" {
		_, err := s.collection.InsertOne(ctx, bson.D{
			{Key: "_id", Value: doc.ID},
			{Key: "rev", Value: newRev},
			{Key: "content", Value: content},
			{Key: "keys", Value: keyList(keys)},
			{Key: "updated_at", Value: now},
		})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, store.ErrConflict
			}
			return nil, store.Unavailable("insert", err)
		}
	} else {
		filter := bson.D{{Key: "_id", Value: doc.ID}, {Key: "rev", Value: doc.Rev}}
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: "rev", Value: newRev},
			{Key: "content", Value: content},
			{Key: "keys", Value: keyList(keys)},
			{Key: "updated_at", Value: now},
		}}}
		res, err := s.collection.UpdateOne(ctx, filter, update)
		if err != nil {
			return nil, store.Unavailable("update", err)
		}
		if res.MatchedCount == 0 {
			n, err := s.collection.CountDocuments(ctx, bson.D{{Key: "_id", Value: doc.ID}})
			if err != nil {
				return nil, store.Unavailable("probe", err)
			}
			if n > 0 {
				return nil, store.ErrConflict
			}
			return nil, store.ErrNotFound
		}
	}

	out := doc.Clone()
	out.Rev = newRev
	return out, nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	res, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return store.Unavailable("delete", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// =============================================================================
// Index Operations
// =============================================================================

// EnsureIndex saves the definition and recomputes this index's entry in
// every document's key list when the definition is new or changed.
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

	// Register first so concurrent writers start maintaining the key.
	s.mu.Lock()
	s.indexes[idx.Name] = store.Index{Name: idx.Name, Fields: append([]string(nil), idx.Fields...)}
	s.mu.Unlock()

	_, err := s.indexColl.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: idx.Name}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "fields", Value: idx.Fields}}}},
		mongoopts.UpdateOne().SetUpsert(true))
	if err != nil {
		return store.Unavailable("save index", err)
	}

	cur, err := s.collection.Find(ctx, bson.D{}, mongoopts.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return store.Unavailable("backfill", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var r struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&r); err != nil {
			return store.Unavailable("backfill", err)
		}
		ids = append(ids, r.ID)
	}
	if err := cur.Err(); err != nil {
		return store.Unavailable("backfill", err)
	}

	for _, id := range ids {
		if err := s.reindex(ctx, idx, id); err != nil {
			return err
		}
	}
	return nil
}

// reindex replaces the key for idx in one document, retrying when the
// document changes underneath.
func (s *Store) reindex(ctx context.Context, idx store.Index, id string) error {
	prefix := idx.Name + keySep
	for attempt := 0; attempt < backfillAttempts; attempt++ {
		var rec record
		err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		if err != nil {
			return store.Unavailable("backfill", err)
		}
		doc, err := rec.document()
		if err != nil {
			s.logger.Warn("skipping unreadable document during backfill", "id", id, "error", err)
			return nil
		}

		keys := make([]string, 0, len(rec.Keys)+1)
		for _, k := range rec.Keys {
			if !strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		if key, ok, err := idx.DocumentKey(doc); err == nil && ok {
			keys = append(keys, prefix+key)
		}

		res, err := s.collection.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: id}, {Key: "rev", Value: rec.Rev}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "keys", Value: keys}}}})
		if err != nil {
			return store.Unavailable("backfill", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
	}
	s.logger.Warn("document kept changing during backfill", "id", id, "index", idx.Name)
	return nil
}

func (s *Store) keyFilter(index string, values []any) (bson.D, error) {
	s.mu.RLock()
	idx, ok := s.indexes[index]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrUnknownIndex
	}
	key, err := idx.QueryKey(values...)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "keys", Value: index + keySep + key}}, nil
}

// Query returns matching documents in ID order, fetched in batches by
// _id range so no cursor stays open between yields.
func (s *Store) Query(ctx context.Context, index string, values ...any) iter.Seq2[*store.Document, error] {
	return func(yield func(*store.Document, error) bool) {
		if err := s.checkConnected(); err != nil {
			yield(nil, err)
			return
		}
		filter, err := s.keyFilter(index, values)
		if err != nil {
			yield(nil, err)
			return
		}

		findOpts := mongoopts.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetLimit(int64(s.opts.pageSize))

		after := ""
		for {
			page := filter
			if after != "" {
				page = append(bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: after}}}}, filter...)
			}
			recs, err := s.fetchPage(ctx, page, findOpts)
			if err != nil {
				yield(nil, err)
				return
			}
			for i := range recs {
				doc, err := recs[i].document()
				if !yield(doc, err) {
					return
				}
			}
			if len(recs) < s.opts.pageSize {
				return
			}
			after = recs[len(recs)-1].ID
		}
	}
}

func (s *Store) fetchPage(ctx context.Context, filter bson.D, findOpts *mongoopts.FindOptionsBuilder) ([]record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	cur, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, store.Unavailable("query", err)
	}
	var recs []record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, store.Unavailable("query", err)
	}
	return recs, nil
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, index string, values ...any) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	filter, err := s.keyFilter(index, values)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	n, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, store.Unavailable("count", err)
	}
	return int(n), nil
}
