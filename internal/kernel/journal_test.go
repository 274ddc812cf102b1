package kernel

import (
	"testing"
	"time"
)

func TestJournalDispatchAndDeliver(t *testing.T) {
	j := NewJournal()
	dispatch := j.PeekLogDispatch("m1", "t1", "console", "handler", 1000, Retention{Kind: RetainForever})
	if err := j.ApplyWalEntry(dispatch); err != nil {
		t.Fatalf("apply dispatch: %v", err)
	}

	entry, ok := j.Get("m1")
	if !ok || entry.Status != StatusDispatched {
		t.Fatalf("entry = %+v, ok=%v", entry, ok)
	}

	delivered, err := j.PeekMarkDelivered("m1", 2000)
	if err != nil {
		t.Fatalf("PeekMarkDelivered: %v", err)
	}
	if err := j.ApplyWalEntry(delivered); err != nil {
		t.Fatalf("apply delivered: %v", err)
	}

	entry, ok = j.Get("m1")
	if !ok || entry.Status != StatusDelivered {
		t.Fatalf("entry = %+v, ok=%v", entry, ok)
	}
}

func TestJournalFindUndelivered(t *testing.T) {
	j := NewJournal()
	for _, id := range []string{"msg-a", "msg-b", "msg-c"} {
		e := j.PeekLogDispatch(id, "t1", "console", "handler", 1000, Retention{Kind: RetainForever})
		if err := j.ApplyWalEntry(e); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	undelivered := j.FindUndelivered()
	if len(undelivered) != 3 {
		t.Fatalf("got %d undelivered, want 3", len(undelivered))
	}
}

func TestJournalStatusNeverMovesBackwards(t *testing.T) {
	j := NewJournal()
	dispatch := j.PeekLogDispatch("m1", "t1", "a", "b", 1000, Retention{Kind: RetainForever})
	j.ApplyWalEntry(dispatch)

	delivered, _ := j.PeekMarkDelivered("m1", 2000)
	j.ApplyWalEntry(delivered)

	// A stale Failed record replayed after Delivered must not regress status.
	failed := buildJournalFailed("m1", "t1", "late failure")
	if err := j.ApplyWalEntry(failed); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	entry, _ := j.Get("m1")
	if entry.Status != StatusDelivered {
		t.Fatalf("status regressed to %v", entry.Status)
	}
}

func TestJournalSweepRetentionPolicies(t *testing.T) {
	j := NewJournal()
	now := time.UnixMilli(1_000_000_000)

	pruneOnDelivery := j.PeekLogDispatch("m1", "t1", "a", "b", now.UnixMilli(), Retention{Kind: RetainPruneOnDelivery})
	j.ApplyWalEntry(pruneOnDelivery)
	delivered, _ := j.PeekMarkDelivered("m1", now.UnixMilli())
	j.ApplyWalEntry(delivered)

	old := now.Add(-48 * time.Hour).UnixMilli()
	retainDays := j.PeekLogDispatch("m2", "t1", "a", "b", old, Retention{Kind: RetainDays, Days: 1})
	j.ApplyWalEntry(retainDays)

	forever := j.PeekLogDispatch("m3", "t1", "a", "b", old, Retention{Kind: RetainForever})
	j.ApplyWalEntry(forever)

	removed := j.Sweep(now)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := j.Get("m1"); ok {
		t.Error("m1 (prune-on-delivery, delivered) should be swept")
	}
	if _, ok := j.Get("m2"); ok {
		t.Error("m2 (retain-days exceeded) should be swept")
	}
	if _, ok := j.Get("m3"); !ok {
		t.Error("m3 (retain-forever) should survive")
	}
}
