// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Documents live in one JSONB table. Index keys are computed in Go and kept
// in a side table, so lookups are plain B-tree scans on (index_name, key).
package postgres

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
	"github.com/lib/pq"
	"github.com/rbaliyan/maildoc/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger

	mu      sync.RWMutex
	indexes map[string]store.Index
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:      db,
		opts:    o,
		logger:  o.logger,
		indexes: make(map[string]store.Index),
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Open connects to the database at dsn using the lib/pq driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	return New(db, opts...), nil
}

// Connect pings the database, creates the schema and loads index definitions.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return store.Unavailable("postgres ping", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	if err := s.loadIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("load indexes: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) docsTable() string    { return s.opts.table + "_documents" }
func (s *Store) keysTable() string    { return s.opts.table + "_keys" }
func (s *Store) indexesTable() string { return s.opts.table + "_indexes" }

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				rev TEXT NOT NULL,
				content JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, s.docsTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				fields JSONB NOT NULL
			)`, s.indexesTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				index_name TEXT NOT NULL,
				doc_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
				key TEXT NOT NULL,
				PRIMARY KEY (index_name, doc_id)
			)`, s.keysTable(), s.docsTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return store.Unavailable("create table", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_lookup ON %s(index_name, key, doc_id)`, s.opts.table, s.keysTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_doc ON %s(doc_id)`, s.opts.table, s.keysTable()),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}

func (s *Store) loadIndexes(ctx context.Context) error {
	var rows []struct {
		Name   string `db:"name"`
		Fields []byte `db:"fields"`
	}
	query := fmt.Sprintf(`SELECT name, fields FROM %s`, s.indexesTable())
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return store.Unavailable("load indexes", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		idx := store.Index{Name: r.Name}
		if err := json.Unmarshal(r.Fields, &idx.Fields); err != nil {
			s.logger.Warn("skipping unreadable index definition", "index", r.Name, "error", err)
			continue
		}
		s.indexes[idx.Name] = idx
	}
	return nil
}

// checkConnected returns error if not connected.
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

type docRow struct {
	ID      string `db:"id"`
	Rev     string `db:"rev"`
	Content []byte `db:"content"`
}

func (r docRow) document() *store.Document {
	return &store.Document{ID: r.ID, Rev: r.Rev, Content: r.Content}
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
	query := fmt.Sprintf(`SELECT id, rev, content FROM %s WHERE id = $1`, s.docsTable())
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
	if doc.Rev == "" {
		insert := fmt.Sprintf(`INSERT INTO %s (id, rev, content) VALUES ($1, $2, $3)`, s.docsTable())
		if _, err := tx.ExecContext(ctx, insert, doc.ID, newRev, []byte(doc.Content)); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return nil, store.ErrConflict
			}
			return nil, store.Unavailable("insert", err)
		}
	} else {
		update := fmt.Sprintf(`UPDATE %s SET rev = $1, content = $2, updated_at = NOW() WHERE id = $3 AND rev = $4`, s.docsTable())
		res, err := tx.ExecContext(ctx, update, newRev, []byte(doc.Content), doc.ID, doc.Rev)
		if err != nil {
			return nil, store.Unavailable("update", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			probe := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, s.docsTable())
			if err := tx.GetContext(ctx, &exists, probe, doc.ID); err != nil {
				return nil, store.Unavailable("probe", err)
			}
			if exists {
				return nil, store.ErrConflict
			}
			return nil, store.ErrNotFound
		}
	}

	if err := s.writeKeys(ctx, tx, doc.ID, keys); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, store.Unavailable("commit", err)
	}

	out := doc.Clone()
	out.Rev = newRev
	return out, nil
}

func (s *Store) writeKeys(ctx context.Context, tx *sqlx.Tx, id string, keys map[string]string) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE doc_id = $1`, s.keysTable())
	if _, err := tx.ExecContext(ctx, del, id); err != nil {
		return store.Unavailable("unindex", err)
	}
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	values := make([]string, 0, len(keys))
	for name, key := range keys {
		names = append(names, name)
		values = append(values, key)
	}
	ins := fmt.Sprintf(`
		INSERT INTO %s (index_name, doc_id, key)
		SELECT n, $1, k FROM unnest($2::text[], $3::text[]) AS t(n, k)`, s.keysTable())
	if _, err := tx.ExecContext(ctx, ins, id, pq.Array(names), pq.Array(values)); err != nil {
		return store.Unavailable("index", err)
	}
	return nil
}

// Delete removes a document. Index keys are removed by the foreign key cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.docsTable())
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return store.Unavailable("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// =============================================================================
// Index Operations
// =============================================================================

// EnsureIndex records the index definition and backfills keys for existing
// documents when the definition is new or changed.
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

	ctx, cancel := context.WithTimeout(ctx, s.opts.backfillTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Unavailable("begin", err)
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (name, fields) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET fields = EXCLUDED.fields`, s.indexesTable())
	if _, err := tx.ExecContext(ctx, upsert, idx.Name, fields); err != nil {
		return store.Unavailable("save index", err)
	}
	reset := fmt.Sprintf(`DELETE FROM %s WHERE index_name = $1`, s.keysTable())
	if _, err := tx.ExecContext(ctx, reset, idx.Name); err != nil {
		return store.Unavailable("clear index", err)
	}

	var rows []docRow
	scan := fmt.Sprintf(`SELECT id, rev, content FROM %s`, s.docsTable())
	if err := tx.SelectContext(ctx, &rows, scan); err != nil {
		return store.Unavailable("scan documents", err)
	}
	ins := fmt.Sprintf(`INSERT INTO %s (index_name, doc_id, key) VALUES ($1, $2, $3)`, s.keysTable())
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
	s.indexes[idx.Name] = idx
	s.mu.Unlock()

	s.logger.Debug("postgres index ensured", "index", idx.Name, "backfilled", len(rows))
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

// Query returns matching documents in ID order. Results are fetched in
// pages so no cursor is held open between yields.
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

		after := ""
		for {
			page, err := s.queryPage(ctx, index, key, after)
			if err != nil {
				yield(nil, err)
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

func (s *Store) queryPage(ctx context.Context, index, key, after string) ([]docRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT d.id, d.rev, d.content
		FROM %s k JOIN %s d ON d.id = k.doc_id
		WHERE k.index_name = $1 AND k.key = $2 AND k.doc_id > $3
		ORDER BY k.doc_id
		LIMIT $4`, s.keysTable(), s.docsTable())

	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, query, index, key, after, s.opts.pageSize); err != nil {
		return nil, store.Unavailable("query", err)
	}
	return rows, nil
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
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE index_name = $1 AND key = $2`, s.keysTable())
	if err := s.db.GetContext(ctx, &n, query, index, key); err != nil {
		return 0, store.Unavailable("count", err)
	}
	return n, nil
}
