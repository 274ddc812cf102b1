// Package storage provides concrete, best-effort external mirrors of the
// kernel's Journal and ThreadTable state (§4.20) — a SQLite mirror for
// single-node deployments and a Postgres mirror for shared/durable ones.
// Both satisfy kernel.DurableMirror without importing it, the same narrow-
// interface pattern used throughout this repo.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlMirror implements kernel.DurableMirror over a database/sql handle.
// The two concrete constructors (NewSQLiteMirror, NewPostgresMirror) differ
// only in driver name, DSN handling, and placeholder style.
type sqlMirror struct {
	db          *sql.DB
	placeholder func(n int) string
}

// numberedPlaceholder renders Postgres-style "$1, $2, ..." placeholders.
func numberedPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// questionPlaceholder renders SQLite/MySQL-style "?" placeholders.
func questionPlaceholder(int) string { return "?" }

// runMigrations applies the embedded schema against an already-built
// database.Driver. Each concrete mirror constructor builds its own driver
// (sqlite3.WithInstance, postgres.WithInstance, ...) since golang-migrate
// has no dialect-agnostic way to do so from a bare *sql.DB.
func runMigrations(driverName string, dbDriver database.Driver) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, driverName, dbDriver)
	if err != nil {
		return fmt.Errorf("storage: build migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("storage: apply migrations: %w", err)
	}
	return nil
}

func (m *sqlMirror) MirrorJournalEntry(ctx context.Context, entry kernel.JournalEntry) error {
	query := fmt.Sprintf(`INSERT INTO journal_entries
		(message_id, thread_id, from_listener, to_listener, status, dispatched_at, delivered_at, failure_reason)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (message_id) DO UPDATE SET
			status = excluded.status,
			delivered_at = excluded.delivered_at,
			failure_reason = excluded.failure_reason`,
		m.placeholder(1), m.placeholder(2), m.placeholder(3), m.placeholder(4),
		m.placeholder(5), m.placeholder(6), m.placeholder(7), m.placeholder(8))

	_, err := m.db.ExecContext(ctx, query,
		entry.MessageID, entry.ThreadID, entry.From, entry.To,
		int(entry.Status), entry.DispatchedAt, entry.DeliveredAt, entry.FailureReason)
	if err != nil {
		return fmt.Errorf("storage: mirror journal entry %s: %w", entry.MessageID, err)
	}
	return nil
}

func (m *sqlMirror) MirrorThreadRecord(ctx context.Context, rec kernel.ThreadRecord) error {
	query := fmt.Sprintf(`INSERT INTO thread_records
		(uuid, chain, profile_name, created_at_ms)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (uuid) DO UPDATE SET
			chain = excluded.chain,
			profile_name = excluded.profile_name`,
		m.placeholder(1), m.placeholder(2), m.placeholder(3), m.placeholder(4))

	_, err := m.db.ExecContext(ctx, query, rec.UUID, rec.Chain, rec.ProfileName, rec.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("storage: mirror thread record %s: %w", rec.UUID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (m *sqlMirror) Close() error { return m.db.Close() }
