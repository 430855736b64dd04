// ABOUTME: SQLite handle and schema shared by the metadata and history stores
// ABOUTME: Wraps database/sql over the pure-Go modernc.org/sqlite driver

package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	value_type  TEXT NOT NULL DEFAULT 'string',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (entity_type, entity_id, key)
);
CREATE INDEX IF NOT EXISTS idx_metadata_key ON metadata (key, entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_metadata_value ON metadata (key, value, entity_type, entity_id);

CREATE TABLE IF NOT EXISTS search_versions (
	version_id  TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	graph_id    TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	created_by  TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	document    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_versions_time ON search_versions (name, created_at);

CREATE TABLE IF NOT EXISTS search_tags (
	name       TEXT NOT NULL,
	tag        TEXT NOT NULL,
	version_id TEXT NOT NULL REFERENCES search_versions (version_id),
	PRIMARY KEY (name, tag, version_id)
);
`

// DB is an open Constellation database
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(path string) (*DB, error) {
	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// SQLite serialises writers; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// SQL returns the underlying handle
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Path returns the path the database was opened with
func (d *DB) Path() string {
	return d.path
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// WithTx runs fn inside a transaction, committing when fn returns nil
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
