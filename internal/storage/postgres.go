package storage

import (
	"database/sql"
	"fmt"

	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq" // registers the "postgres" database/sql driver

	"github.com/haasonsaas/nexuskernel/internal/kernel"
)

// NewPostgresMirror opens a Postgres database at dsn, applies the mirror's
// embedded schema migrations, and returns a kernel.DurableMirror backed by
// it. Intended for shared, multi-node deployments.
func NewPostgresMirror(dsn string) (kernel.DurableMirror, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	dbDriver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: build postgres migrate driver: %w", err)
	}
	if err := runMigrations("postgres", dbDriver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlMirror{db: db, placeholder: numberedPlaceholder}, nil
}
