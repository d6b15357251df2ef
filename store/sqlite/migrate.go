package sqlite

import (
	"context"
	"fmt"
)

// schema statements are idempotent and run on every Connect. Each is
// formatted with the table prefix.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS %[1]s_documents (
		id         TEXT PRIMARY KEY,
		rev        TEXT NOT NULL,
		content    TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
	)`,
	`CREATE TABLE IF NOT EXISTS %[1]s_indexes (
		name   TEXT PRIMARY KEY,
		fields TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS %[1]s_keys (
		index_name TEXT NOT NULL,
		doc_id     TEXT NOT NULL REFERENCES %[1]s_documents(id) ON DELETE CASCADE,
		key        TEXT NOT NULL,
		PRIMARY KEY (index_name, doc_id)
	)`,
	`CREATE INDEX IF NOT EXISTS %[1]s_keys_lookup ON %[1]s_keys (index_name, key, doc_id)`,
}

func (s *Store) runMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(stmt, s.opts.table)); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}
