// Package sqlite provides a local, single-file implementation of store.Store
// on top of modernc.org/sqlite. It plays the role of the on-device replica
// that background synchronization reconciles with a remote peer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/rbaliyan/maildoc/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using a SQLite database file.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
	ownsDB    bool

	mu      sync.RWMutex
	indexes map[string]store.Index
}

// New creates a store over an existing connection opened with the "sqlite"
// driver. The caller keeps ownership of db.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:      db,
		opts:    o,
		logger:  o.logger,
		indexes: make(map[string]store.Index),
	}
}

// Open opens (or creates) the database file at path. The returned store
// closes the database on Close.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection serializes writers and keeps per-connection
	// pragmas in effect.
	db.SetMaxOpenConns(1)
	s := New(db, opts...)
	s.ownsDB = true
	return s, nil
}

// Connect applies pragmas, runs migrations and loads index definitions.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqlite: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.init(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return err
	}

	s.logger.Info("opened SQLite document store", "table", s.opts.table)
	return nil
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", s.opts.busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return store.Unavailable("pragma", err)
		}
	}
	if err := s.runMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return s.loadIndexes(ctx)
}

// Close marks the store as disconnected and closes the database if the
// store opened it.
func (s *Store) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) docsTable() string    { return s.opts.table + "_documents" }
func (s *Store) keysTable() string    { return s.opts.table + "_keys" }
func (s *Store) indexesTable() string { return s.opts.table + "_indexes" }

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) loadIndexes(ctx context.Context) error {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf(`SELECT name, fields FROM %s`, s.indexesTable()))
	if err != nil {
		return store.Unavailable("load indexes", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var name, fields string
		if err := rows.Scan(&name, &fields); err != nil {
			return store.Unavailable("scan index", err)
		}
		idx := store.Index{Name: name}
		if err := json.Unmarshal([]byte(fields), &idx.Fields); err != nil {
			s.logger.Warn("skipping unreadable index definition", "index", name, "error", err)
			continue
		}
		s.indexes[name] = idx
	}
	return rows.Err()
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

type docRow struct {
	ID      string `db:"id"`
	Rev     string `db:"rev"`
	Content string `db:"content"`
}

func (r docRow) document() *store.Document {
	return &store.Document{ID: r.ID, Rev: r.Rev, Content: json.RawMessage(r.Content)}
}

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

	var row docRow
	query := fmt.Sprintf(`SELECT id, rev, content FROM %s WHERE id = ?`, s.docsTable())
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Unavailable("get", err)
	}
	return row.document(), nil
}

// Put creates or updates a document with revision checking.
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

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, store.Unavailable("begin", err)
	}
	defer tx.Rollback()

	newRev := uuid.NewString()
	var res sql.Result
	if doc.Rev == "" {
		insert := fmt.Sprintf(`INSERT INTO %s (id, rev, content) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`, s.docsTable())
		res, err = tx.ExecContext(ctx, insert, doc.ID, newRev, string(doc.Content))
	} else {
		update := fmt.Sprintf(`UPDATE %s SET rev = ?, content = ? WHERE id = ? AND rev = ?`, s.docsTable())
		res, err = tx.ExecContext(ctx, update, newRev, string(doc.Content), doc.ID, doc.Rev)
	}
	if err != nil {
		return nil, store.Unavailable("put", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if doc.Rev == "" {
			return nil, store.ErrConflict
		}
		var count int
		probe := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, s.docsTable())
		if err := tx.GetContext(ctx, &count, probe, doc.ID); err != nil {
			return nil, store.Unavailable("probe", err)
		}
		if count > 0 {
			return nil, store.ErrConflict
		}
		return nil, store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, s.keysTable()), doc.ID); err != nil {
		return nil, store.Unavailable("unindex", err)
	}
	ins := fmt.Sprintf(`INSERT INTO %s (index_name, doc_id, key) VALUES (?, ?, ?)`, s.keysTable())
	for name, key := range keys {
		if _, err := tx.ExecContext(ctx, ins, name, doc.ID, key); err != nil {
			return nil, store.Unavailable("index", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, store.Unavailable("commit", err)
	}

	out := doc.Clone()
	out.Rev = newRev
	return out, nil
}

// Delete removes a document and its index keys.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	// foreign_keys is per connection, so a pooled db may not cascade.
	// Keys are removed explicitly in the same transaction.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Unavailable("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, s.keysTable()), id); err != nil {
		return store.Unavailable("unindex", err)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.docsTable()), id)
	if err != nil {
		return store.Unavailable("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return store.Unavailable("commit", err)
	}
	return nil
}

// =============================================================================
// Index Operations
// =============================================================================

// EnsureIndex records the index definition and backfills keys when the
// definition is new or changed.
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

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Unavailable("begin", err)
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (name, fields) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET fields = excluded.fields`, s.indexesTable())
	if _, err := tx.ExecContext(ctx, upsert, idx.Name, string(fields)); err != nil {
		return store.Unavailable("save index", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE index_name = ?`, s.keysTable()), idx.Name); err != nil {
		return store.Unavailable("reset index", err)
	}

	var rows []docRow
	if err := tx.SelectContext(ctx, &rows, fmt.Sprintf(`SELECT id, rev, content FROM %s`, s.docsTable())); err != nil {
		return store.Unavailable("scan documents", err)
	}
	ins := fmt.Sprintf(`INSERT INTO %s (index_name, doc_id, key) VALUES (?, ?, ?)`, s.keysTable())
	for _, r := range rows {
		key, ok, err := idx.DocumentKey(r.document())
		if err != nil || !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, ins, idx.Name, r.ID, key); err != nil {
			return store.Unavailable("backfill", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Unavailable("commit", err)
	}

	s.mu.Lock()
	s.indexes[idx.Name] = store.Index{Name: idx.Name, Fields: append([]string(nil), idx.Fields...)}
	s.mu.Unlock()
	return nil
}

func (s *Store) queryKey(index string, values []any) (string, error) {
	s.mu.RLock()
	idx, ok := s.indexes[index]
	s.mu.RUnlock()
	if !ok {
		return "", store.ErrUnknownIndex
	}
	return idx.QueryKey(values...)
}

// Query returns matching documents in ID order, one page per round trip.
// No statement stays open between yields, so callers may write to the
// store while iterating.
func (s *Store) Query(ctx context.Context, index string, values ...any) iter.Seq2[*store.Document, error] {
	return func(yield func(*store.Document, error) bool) {
		if err := s.checkConnected(); err != nil {
			yield(nil, err)
			return
		}
		key, err := s.queryKey(index, values)
		if err != nil {
			yield(nil, err)
			return
		}

		query := fmt.Sprintf(`
			SELECT d.id, d.rev, d.content
			FROM %s k JOIN %s d ON d.id = k.doc_id
			WHERE k.index_name = ? AND k.key = ? AND k.doc_id > ?
			ORDER BY k.doc_id
			LIMIT ?`, s.keysTable(), s.docsTable())

		after := ""
		for {
			var page []docRow
			pageCtx, cancel := context.WithTimeout(ctx, s.opts.timeout)
			err := s.db.SelectContext(pageCtx, &page, query, index, key, after, s.opts.pageSize)
			cancel()
			if err != nil {
				yield(nil, store.Unavailable("query", err))
				return
			}
			for _, r := range page {
				if !yield(r.document(), nil) {
					return
				}
			}
			if len(page) < s.opts.pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, index string, values ...any) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	key, err := s.queryKey(index, values)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE index_name = ? AND key = ?`, s.keysTable())
	if err := s.db.GetContext(ctx, &n, query, index, key); err != nil {
		return 0, store.Unavailable("count", err)
	}
	return n, nil
}
