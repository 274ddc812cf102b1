package kernel

import "testing"

func addSegment(t *testing.T, cs *ContextStore, threadID string, seg ContextSegment) {
	t.Helper()
	for _, e := range cs.PeekAddSegment(threadID, seg) {
		if err := cs.ApplyWalEntry(e); err != nil {
			t.Fatalf("apply segment add: %v", err)
		}
	}
}

func TestContextStoreFoldUnfoldRoundTrip(t *testing.T) {
	cs := NewContextStore()
	original := []byte("fn complex_function() { /* lots of code */ }")
	addSegment(t, cs, "t1", ContextSegment{ID: "s1", Tag: "code", Content: original, Status: StatusActive})

	foldEntry, foldRef, err := cs.PeekFold("t1", "s1", []byte("[summary: complex function]"))
	if err != nil {
		t.Fatalf("PeekFold: %v", err)
	}
	if err := cs.ApplyWalEntry(foldEntry); err != nil {
		t.Fatalf("apply fold: %v", err)
	}

	seg, ok := cs.GetSegment("t1", "s1")
	if !ok {
		t.Fatal("segment missing after fold")
	}
	if seg.Status != StatusFolded {
		t.Fatalf("status = %v, want Folded", seg.Status)
	}
	if string(seg.Content) != "[summary: complex function]" {
		t.Fatalf("content = %q, want summary", seg.Content)
	}
	if seg.FoldRef != foldRef {
		t.Fatalf("fold_ref = %q, want %q", seg.FoldRef, foldRef)
	}
	if cs.FoldStoreSize() != 1 {
		t.Fatalf("fold store size = %d, want 1", cs.FoldStoreSize())
	}

	unfoldEntry, err := cs.PeekUnfold("t1", "s1")
	if err != nil {
		t.Fatalf("PeekUnfold: %v", err)
	}
	if err := cs.ApplyWalEntry(unfoldEntry); err != nil {
		t.Fatalf("apply unfold: %v", err)
	}

	seg, ok = cs.GetSegment("t1", "s1")
	if !ok {
		t.Fatal("segment missing after unfold")
	}
	if seg.Status != StatusActive {
		t.Fatalf("status = %v, want Active", seg.Status)
	}
	if string(seg.Content) != string(original) {
		t.Fatalf("content = %q, want original %q", seg.Content, original)
	}
	if seg.FoldRef != "" {
		t.Fatalf("fold_ref should be cleared, got %q", seg.FoldRef)
	}
	if cs.FoldStoreSize() != 0 {
		t.Fatalf("fold store size = %d, want 0", cs.FoldStoreSize())
	}
}

func TestContextStoreUnfoldNonFoldedErrors(t *testing.T) {
	cs := NewContextStore()
	addSegment(t, cs, "t1", ContextSegment{ID: "s1", Tag: "code", Content: []byte("x"), Status: StatusActive})

	_, err := cs.PeekUnfold("t1", "s1")
	if err == nil {
		t.Fatal("expected error unfolding a non-folded segment")
	}
}

func TestContextStoreEvictFoldNonFoldedErrors(t *testing.T) {
	cs := NewContextStore()
	addSegment(t, cs, "t1", ContextSegment{ID: "s1", Tag: "code", Content: []byte("x"), Status: StatusActive})

	_, err := cs.EvictFold("t1", "s1")
	if err == nil {
		t.Fatal("expected error evict_fold on a non-folded segment")
	}
}

func TestContextStoreEvictFoldIsLossy(t *testing.T) {
	cs := NewContextStore()
	addSegment(t, cs, "t1", ContextSegment{ID: "s1", Tag: "code", Content: []byte("original"), Status: StatusActive})
	foldEntry, _, _ := cs.PeekFold("t1", "s1", []byte("summary"))
	cs.ApplyWalEntry(foldEntry)

	evictEntry, err := cs.EvictFold("t1", "s1")
	if err != nil {
		t.Fatalf("EvictFold: %v", err)
	}
	if err := cs.ApplyWalEntry(evictEntry); err != nil {
		t.Fatalf("apply evict: %v", err)
	}

	seg, ok := cs.GetSegment("t1", "s1")
	if !ok {
		t.Fatal("segment missing")
	}
	if seg.Status != StatusShelved {
		t.Fatalf("status = %v, want Shelved", seg.Status)
	}
	if string(seg.Content) != "summary" {
		t.Fatalf("summary should survive eviction, got %q", seg.Content)
	}
	if cs.FoldStoreSize() != 0 {
		t.Fatalf("fold store should be empty after evict, got %d", cs.FoldStoreSize())
	}
}

func TestContextStoreWorkingSetOrdering(t *testing.T) {
	cs := NewContextStore()
	addSegment(t, cs, "t1", ContextSegment{ID: "low", Tag: "x", Content: []byte("a"), Status: StatusActive, Relevance: 0.2})
	addSegment(t, cs, "t1", ContextSegment{ID: "high", Tag: "x", Content: []byte("b"), Status: StatusActive, Relevance: 0.9})
	addSegment(t, cs, "t1", ContextSegment{ID: "mid-first", Tag: "x", Content: []byte("c"), Status: StatusActive, Relevance: 0.5})
	addSegment(t, cs, "t1", ContextSegment{ID: "mid-second", Tag: "x", Content: []byte("d"), Status: StatusActive, Relevance: 0.5})
	addSegment(t, cs, "t1", ContextSegment{ID: "shelved", Tag: "x", Content: []byte("e"), Status: StatusShelved, Relevance: 1.0})

	ws := cs.GetWorkingSet("t1")
	want := []string{"high", "mid-first", "mid-second", "low"}
	if len(ws) != len(want) {
		t.Fatalf("got %d segments, want %d", len(ws), len(want))
	}
	for i, id := range want {
		if ws[i].ID != id {
			t.Errorf("position %d = %q, want %q", i, ws[i].ID, id)
		}
	}
}

func TestContextStoreInventoryHasNoBodies(t *testing.T) {
	cs := NewContextStore()
	addSegment(t, cs, "t1", ContextSegment{ID: "s1", Tag: "code", Content: []byte("secret body"), Status: StatusActive})

	inv := cs.GetInventory("t1")
	if len(inv) != 1 {
		t.Fatalf("got %d inventory items, want 1", len(inv))
	}
	if inv[0].SizeBytes != len("secret body") {
		t.Fatalf("size = %d, want %d", inv[0].SizeBytes, len("secret body"))
	}
}
