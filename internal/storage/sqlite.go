package storage

import (
	"database/sql"
	"fmt"

	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"github.com/haasonsaas/nexuskernel/internal/kernel"
)

// NewSQLiteMirror opens (creating if needed) a SQLite database at path,
// applies the mirror's embedded schema migrations, and returns a
// kernel.DurableMirror backed by it. Intended for single-node deployments.
func NewSQLiteMirror(path string) (kernel.DurableMirror, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	dbDriver, err := migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: build sqlite migrate driver: %w", err)
	}
	if err := runMigrations("sqlite3", dbDriver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlMirror{db: db, placeholder: questionPlaceholder}, nil
}
