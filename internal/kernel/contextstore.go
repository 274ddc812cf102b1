package kernel

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// SegmentStatus is the three-state lifecycle a ContextSegment moves
// through: Active (paged in), Shelved (paged out), Folded (summarized,
// body parked in the shared FoldStore).
type SegmentStatus byte

const (
	StatusActive SegmentStatus = iota
	StatusShelved
	StatusFolded
)

// ContextSegment is the unit of paging inside a thread's context.
type ContextSegment struct {
	ID          string
	Tag         string
	Content     []byte
	Status      SegmentStatus
	Relevance   float32
	CreatedAtMs int64
	FoldRef     string // set iff Status == StatusFolded
}

// ThreadContext is one thread's segment table, keyed by segment id.
type ThreadContext struct {
	ThreadID string
	Segments map[string]*ContextSegment
	// order preserves insertion order for stable tie-breaking in
	// GetWorkingSet.
	order []string
}

// ContextStore holds every thread's context plus the process-wide
// FoldStore that makes unfold lossless.
type ContextStore struct {
	mu        sync.RWMutex
	contexts  map[string]*ThreadContext
	foldStore map[string][]byte // fold_ref -> original content
}

// NewContextStore returns an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{
		contexts:  make(map[string]*ThreadContext),
		foldStore: make(map[string][]byte),
	}
}

// FoldStoreSize reports how many folded bodies are currently stashed.
func (c *ContextStore) FoldStoreSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.foldStore)
}

// Exists reports whether a ThreadContext has been allocated for threadID.
func (c *ContextStore) Exists(threadID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.contexts[threadID]
	return ok
}

func buildContextAllocate(threadID string) WalEntry {
	return WalEntry{Tag: TagContextAlloc, Payload: append([]byte(threadID), 0)}
}

func buildContextRelease(threadID string) WalEntry {
	return WalEntry{Tag: TagContextRelease, Payload: append([]byte(threadID), 0)}
}

// buildSegmentAdd encodes: thread\0id\0tag\0status(1)|relevance(f32 LE)|created(u64 LE)
// followed, when status==Folded, by fold_ref\0 | original_len(u32 LE) |
// original_bytes (the FoldStore body, so replay reconstructs the FoldStore
// entry for a segment that starts life already folded — used by
// fold_thread's summary segment), then the segment's own content bytes
// (the summary, for a Folded add; the raw body otherwise).
func buildSegmentAdd(threadID string, seg *ContextSegment, originalBody []byte) WalEntry {
	var b strings.Builder
	b.WriteString(threadID)
	b.WriteByte(0)
	b.WriteString(seg.ID)
	b.WriteByte(0)
	b.WriteString(seg.Tag)
	b.WriteByte(0)

	head := make([]byte, 1+4+8)
	head[0] = byte(seg.Status)
	binary.LittleEndian.PutUint32(head[1:5], math.Float32bits(seg.Relevance))
	binary.LittleEndian.PutUint64(head[5:13], uint64(seg.CreatedAtMs))

	payload := append([]byte(b.String()), head...)
	if seg.Status == StatusFolded {
		payload = append(payload, []byte(seg.FoldRef)...)
		payload = append(payload, 0)
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(originalBody)))
		payload = append(payload, lenBuf...)
		payload = append(payload, originalBody...)
	}
	payload = append(payload, seg.Content...)
	return WalEntry{Tag: TagSegmentAdd, Payload: payload}
}

// AddSegment allocates a ThreadContext if needed and inserts a new Active
// segment, returning the WAL entries a caller should append before
// applying (ContextAllocate is only emitted the first time a thread's
// context is touched).
func (c *ContextStore) PeekAddSegment(threadID string, seg ContextSegment) []WalEntry {
	return c.peekAddSegment(threadID, seg, nil)
}

// PeekAddFoldedSegment is PeekAddSegment for a segment that starts life
// already Folded (fold_thread's summary segment): originalBody is the
// FoldStore body to park under seg.FoldRef, reconstructed on replay from
// the same WAL entry that adds the segment — keeping invariant 1 intact
// even though the FoldStore mutation has no separate Fold-op source
// segment to copy from.
func (c *ContextStore) PeekAddFoldedSegment(threadID string, seg ContextSegment, originalBody []byte) []WalEntry {
	return c.peekAddSegment(threadID, seg, originalBody)
}

func (c *ContextStore) peekAddSegment(threadID string, seg ContextSegment, originalBody []byte) []WalEntry {
	c.mu.RLock()
	_, exists := c.contexts[threadID]
	c.mu.RUnlock()

	var entries []WalEntry
	if !exists {
		entries = append(entries, buildContextAllocate(threadID))
	}
	entries = append(entries, buildSegmentAdd(threadID, &seg, originalBody))
	return entries
}

// ApplyWalEntry is the inverse of this store's WAL entry builders.
func (c *ContextStore) ApplyWalEntry(entry WalEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch entry.Tag {
	case TagContextAlloc:
		parts, _, err := splitNulTerminated(entry.Payload, 1)
		if err != nil {
			return err
		}
		threadID := parts[0]
		if _, ok := c.contexts[threadID]; !ok {
			c.contexts[threadID] = &ThreadContext{ThreadID: threadID, Segments: make(map[string]*ContextSegment)}
		}
		return nil

	case TagContextRelease:
		parts, _, err := splitNulTerminated(entry.Payload, 1)
		if err != nil {
			return err
		}
		delete(c.contexts, parts[0])
		return nil

	case TagSegmentAdd:
		parts, rest, err := splitNulTerminated(entry.Payload, 3)
		if err != nil {
			return err
		}
		if len(rest) < 13 {
			return fmt.Errorf("%w: truncated SegmentAdd header", ErrInvalidData)
		}
		threadID, id, tag := parts[0], parts[1], parts[2]
		status := SegmentStatus(rest[0])
		relevance := math.Float32frombits(binary.LittleEndian.Uint32(rest[1:5]))
		created := int64(binary.LittleEndian.Uint64(rest[5:13]))
		rest = rest[13:]

		var foldRef string
		var originalBody []byte
		if status == StatusFolded {
			fparts, remaining, err := splitNulTerminated(rest, 1)
			if err != nil {
				return err
			}
			foldRef = fparts[0]
			if len(remaining) < 4 {
				return fmt.Errorf("%w: truncated folded-segment original length", ErrInvalidData)
			}
			origLen := binary.LittleEndian.Uint32(remaining[:4])
			remaining = remaining[4:]
			if uint32(len(remaining)) < origLen {
				return fmt.Errorf("%w: truncated folded-segment original body", ErrInvalidData)
			}
			originalBody = append([]byte(nil), remaining[:origLen]...)
			rest = remaining[origLen:]
		}
		tc, ok := c.contexts[threadID]
		if !ok {
			tc = &ThreadContext{ThreadID: threadID, Segments: make(map[string]*ContextSegment)}
			c.contexts[threadID] = tc
		}
		seg := &ContextSegment{
			ID: id, Tag: tag, Content: append([]byte(nil), rest...),
			Status: status, Relevance: relevance, CreatedAtMs: created, FoldRef: foldRef,
		}
		if _, exists := tc.Segments[id]; !exists {
			tc.order = append(tc.order, id)
		}
		tc.Segments[id] = seg
		if status == StatusFolded && foldRef != "" {
			c.foldStore[foldRef] = originalBody
		}
		return nil

	case TagSegmentRemove:
		parts, _, err := splitNulTerminated(entry.Payload, 2)
		if err != nil {
			return err
		}
		threadID, id := parts[0], parts[1]
		if tc, ok := c.contexts[threadID]; ok {
			delete(tc.Segments, id)
			tc.order = removeString(tc.order, id)
		}
		return nil

	case TagSegmentPageIn:
		return c.setStatusLocked(entry.Payload, StatusActive)

	case TagSegmentPageOut:
		return c.setStatusLocked(entry.Payload, StatusShelved)

	case TagSegmentRelevnc:
		parts, rest, err := splitNulTerminated(entry.Payload, 2)
		if err != nil {
			return err
		}
		if len(rest) < 4 {
			return fmt.Errorf("%w: truncated relevance payload", ErrInvalidData)
		}
		threadID, id := parts[0], parts[1]
		rel := math.Float32frombits(binary.LittleEndian.Uint32(rest[:4]))
		if tc, ok := c.contexts[threadID]; ok {
			if seg, ok := tc.Segments[id]; ok {
				seg.Relevance = rel
			}
		}
		return nil

	case TagContextFold:
		parts, rest, err := splitNulTerminated(entry.Payload, 3)
		if err != nil {
			return err
		}
		threadID, id, foldRef := parts[0], parts[1], parts[2]
		tc, ok := c.contexts[threadID]
		if !ok {
			return nil
		}
		seg, ok := tc.Segments[id]
		if !ok {
			return nil
		}
		c.foldStore[foldRef] = append([]byte(nil), seg.Content...)
		seg.Content = append([]byte(nil), rest...)
		seg.Status = StatusFolded
		seg.FoldRef = foldRef
		return nil

	case TagContextUnfold:
		parts, _, err := splitNulTerminated(entry.Payload, 2)
		if err != nil {
			return err
		}
		threadID, id := parts[0], parts[1]
		tc, ok := c.contexts[threadID]
		if !ok {
			return nil
		}
		seg, ok := tc.Segments[id]
		if !ok {
			return nil
		}
		if original, ok := c.foldStore[seg.FoldRef]; ok {
			seg.Content = original
			delete(c.foldStore, seg.FoldRef)
		}
		seg.Status = StatusActive
		seg.FoldRef = ""
		return nil

	default:
		return nil
	}
}

func (c *ContextStore) setStatusLocked(payload []byte, status SegmentStatus) error {
	parts, _, err := splitNulTerminated(payload, 2)
	if err != nil {
		return err
	}
	threadID, id := parts[0], parts[1]
	if tc, ok := c.contexts[threadID]; ok {
		if seg, ok := tc.Segments[id]; ok {
			seg.Status = status
		}
	}
	return nil
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// PeekPageIn / PeekPageOut build the WAL entries for moving a segment
// between Active and Shelved; callers apply them via ApplyWalEntry after a
// successful append.
func (c *ContextStore) PeekPageIn(threadID, segID string) WalEntry {
	return WalEntry{Tag: TagSegmentPageIn, Payload: joinNul(threadID, segID)}
}

func (c *ContextStore) PeekPageOut(threadID, segID string) WalEntry {
	return WalEntry{Tag: TagSegmentPageOut, Payload: joinNul(threadID, segID)}
}

func joinNul(parts ...string) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, []byte(p)...)
		b = append(b, 0)
	}
	return b
}

// PeekFold builds the WAL entry for folding a segment: precondition is
// status != Folded, checked by the caller (Kernel.FoldSegment) before
// committing, matching invariant 3/4.
func (c *ContextStore) PeekFold(threadID, segID string, summary []byte) (WalEntry, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tc, ok := c.contexts[threadID]
	if !ok {
		return WalEntry{}, "", ErrContextNotFound
	}
	seg, ok := tc.Segments[segID]
	if !ok {
		return WalEntry{}, "", ErrContextNotFound
	}
	if seg.Status == StatusFolded {
		return WalEntry{}, "", fmt.Errorf("%w: segment already folded", ErrInvalidData)
	}
	foldRef := fmt.Sprintf("fold-%s-%s", threadID, segID)
	payload := joinNul(threadID, segID, foldRef)
	payload = append(payload, summary...)
	return WalEntry{Tag: TagContextFold, Payload: payload}, foldRef, nil
}

// PeekUnfold builds the WAL entry for unfolding a segment: precondition is
// status == Folded and fold_ref present in FoldStore (invariant 3/4).
func (c *ContextStore) PeekUnfold(threadID, segID string) (WalEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tc, ok := c.contexts[threadID]
	if !ok {
		return WalEntry{}, ErrContextNotFound
	}
	seg, ok := tc.Segments[segID]
	if !ok {
		return WalEntry{}, ErrContextNotFound
	}
	if seg.Status != StatusFolded {
		return WalEntry{}, fmt.Errorf("%w: unfold on non-folded segment", ErrInvalidData)
	}
	if _, ok := c.foldStore[seg.FoldRef]; !ok {
		return WalEntry{}, fmt.Errorf("%w: fold_ref missing from fold store", ErrInvalidData)
	}
	return WalEntry{Tag: TagContextUnfold, Payload: joinNul(threadID, segID)}, nil
}

// EvictFold is lossy: it removes the FoldStore entry and moves status to
// Shelved, keeping only the summary that already occupies Content. Unlike
// fold/unfold this has no symmetric counterpart, so it is applied directly
// rather than built as a replayable WAL shape distinct from PageOut — it
// reuses the PageOut tag semantically (status -> Shelved) plus an explicit
// FoldStore delete that must happen under the same lock.
func (c *ContextStore) EvictFold(threadID, segID string) (WalEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.contexts[threadID]
	if !ok {
		return WalEntry{}, ErrContextNotFound
	}
	seg, ok := tc.Segments[segID]
	if !ok {
		return WalEntry{}, ErrContextNotFound
	}
	if seg.Status != StatusFolded {
		return WalEntry{}, fmt.Errorf("%w: evict_fold on non-folded segment", ErrInvalidData)
	}
	delete(c.foldStore, seg.FoldRef)
	seg.Status = StatusShelved
	seg.FoldRef = ""
	return WalEntry{Tag: TagSegmentPageOut, Payload: joinNul(threadID, segID)}, nil
}

// GetWorkingSet returns Active segments in descending relevance order, ties
// broken by insertion order.
func (c *ContextStore) GetWorkingSet(threadID string) []ContextSegment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tc, ok := c.contexts[threadID]
	if !ok {
		return nil
	}
	type indexed struct {
		seg ContextSegment
		pos int
	}
	var active []indexed
	for pos, id := range tc.order {
		seg, ok := tc.Segments[id]
		if !ok || seg.Status != StatusActive {
			continue
		}
		active = append(active, indexed{seg: *seg, pos: pos})
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].seg.Relevance != active[j].seg.Relevance {
			return active[i].seg.Relevance > active[j].seg.Relevance
		}
		return active[i].pos < active[j].pos
	})
	out := make([]ContextSegment, len(active))
	for i, a := range active {
		out[i] = a.seg
	}
	return out
}

// SegmentInventoryItem is the bodiless metadata the librarian operates on.
type SegmentInventoryItem struct {
	ID        string
	Tag       string
	Status    SegmentStatus
	Relevance float32
	SizeBytes int
}

// GetInventory returns per-segment metadata without content bodies.
func (c *ContextStore) GetInventory(threadID string) []SegmentInventoryItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tc, ok := c.contexts[threadID]
	if !ok {
		return nil
	}
	out := make([]SegmentInventoryItem, 0, len(tc.order))
	for _, id := range tc.order {
		seg, ok := tc.Segments[id]
		if !ok {
			continue
		}
		out = append(out, SegmentInventoryItem{
			ID: seg.ID, Tag: seg.Tag, Status: seg.Status,
			Relevance: seg.Relevance, SizeBytes: len(seg.Content),
		})
	}
	return out
}

// GetSegment returns a copy of one segment's full state, including body.
func (c *ContextStore) GetSegment(threadID, segID string) (ContextSegment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.contexts[threadID]
	if !ok {
		return ContextSegment{}, false
	}
	seg, ok := tc.Segments[segID]
	if !ok {
		return ContextSegment{}, false
	}
	return *seg, true
}

// SetRelevance builds the WAL entry for writing a new relevance score onto
// a segment (used by the librarian's score_relevance operation).
func (c *ContextStore) PeekSetRelevance(threadID, segID string, relevance float32) WalEntry {
	payload := joinNul(threadID, segID)
	rel := make([]byte, 4)
	binary.LittleEndian.PutUint32(rel, math.Float32bits(relevance))
	return WalEntry{Tag: TagSegmentRelevnc, Payload: append(payload, rel...)}
}
