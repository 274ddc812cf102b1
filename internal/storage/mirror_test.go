package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
)

func openTestMirror(t *testing.T) kernel.DurableMirror {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirror.db")
	m, err := NewSQLiteMirror(path)
	if err != nil {
		t.Fatalf("NewSQLiteMirror: %v", err)
	}
	t.Cleanup(func() {
		if c, ok := m.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	})
	return m
}

func TestSQLiteMirrorAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.db")
	m, err := NewSQLiteMirror(path)
	if err != nil {
		t.Fatalf("NewSQLiteMirror: %v", err)
	}
	defer m.(interface{ Close() error }).Close()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open for verification: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"journal_entries", "thread_records"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestMirrorJournalEntryUpsert(t *testing.T) {
	ctx := context.Background()
	m := openTestMirror(t)

	entry := kernel.JournalEntry{
		MessageID:    "msg-1",
		ThreadID:     "thread-1",
		From:         "root",
		To:           "worker",
		Status:       kernel.JournalStatus(1),
		DispatchedAt: 100,
		DeliveredAt:  0,
	}
	if err := m.MirrorJournalEntry(ctx, entry); err != nil {
		t.Fatalf("mirror insert: %v", err)
	}

	entry.Status = kernel.JournalStatus(2)
	entry.DeliveredAt = 200
	entry.FailureReason = ""
	if err := m.MirrorJournalEntry(ctx, entry); err != nil {
		t.Fatalf("mirror update: %v", err)
	}
}

func TestMirrorThreadRecordUpsert(t *testing.T) {
	ctx := context.Background()
	m := openTestMirror(t)

	rec := kernel.ThreadRecord{
		UUID:        "uuid-1",
		Chain:       "root>worker",
		ProfileName: "default",
		CreatedAtMs: 1000,
	}
	if err := m.MirrorThreadRecord(ctx, rec); err != nil {
		t.Fatalf("mirror insert: %v", err)
	}

	rec.ProfileName = "reviewer"
	if err := m.MirrorThreadRecord(ctx, rec); err != nil {
		t.Fatalf("mirror update: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "dsn"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenWithNoDriverIsNoop(t *testing.T) {
	m, err := Open("", "")
	if err != nil {
		t.Fatalf("Open with no driver: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil mirror when driver is empty")
	}
}
