package kernel

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ThreadRecord is one hop of a call chain: a dot-separated semantic path
// like "system.org.coding-agent.file-read" identified by a uuid, with a
// security profile inherited from the root unless overridden.
type ThreadRecord struct {
	UUID        string
	Chain       string
	ProfileName string
	CreatedAtMs int64
}

// ThreadTable tracks the live call-chain graph. A chain string maps to at
// most one uuid at any time (invariant 2); extending an already-seen chain
// returns the existing uuid rather than minting a new one.
type ThreadTable struct {
	mu        sync.RWMutex
	byUUID    map[string]*ThreadRecord
	byChain   map[string]string
	rootUUID  string
	rootChain string
}

// NewThreadTable returns an empty table. Kernel.Open populates it by
// replaying WAL entries through ApplyWalEntry.
func NewThreadTable() *ThreadTable {
	return &ThreadTable{
		byUUID:  make(map[string]*ThreadRecord),
		byChain: make(map[string]string),
	}
}

// RootUUID returns the uuid of the root thread, or "" if InitializeRoot has
// not yet run.
func (t *ThreadTable) RootUUID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootUUID
}

// Lookup returns the record for uuid, if present.
func (t *ThreadTable) Lookup(id string) (*ThreadRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.byUUID[id]
	return rec, ok
}

// LookupChain returns the uuid currently bound to chain, if any.
func (t *ThreadTable) LookupChain(chain string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byChain[chain]
	return id, ok
}

// buildThreadCreate produces the WAL payload for a root thread creation.
// Payload: chain\0profile\0uuid\0created_u64
func buildThreadCreate(chain, profile, id string, createdAtMs int64) WalEntry {
	var b strings.Builder
	b.WriteString(chain)
	b.WriteByte(0)
	b.WriteString(profile)
	b.WriteByte(0)
	b.WriteString(id)
	b.WriteByte(0)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(createdAtMs))
	return WalEntry{Tag: TagThreadCreate, Payload: append([]byte(b.String()), ts...)}
}

func splitNulTerminated(payload []byte, n int) ([]string, []byte, error) {
	parts := make([]string, 0, n)
	rest := payload
	for i := 0; i < n; i++ {
		idx := indexByte(rest, 0)
		if idx < 0 {
			return nil, nil, fmt.Errorf("%w: missing null-terminated field %d", ErrInvalidData, i)
		}
		parts = append(parts, string(rest[:idx]))
		rest = rest[idx+1:]
	}
	return parts, rest, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// PeekInitializeRoot returns the WAL entry and resulting uuid InitializeRoot
// would produce, without mutating state. Idempotent: if a root already
// exists, returns its entry-less (nil) form and the existing uuid.
func (t *ThreadTable) PeekInitializeRoot(organismName, profile string, nowMs int64) (*WalEntry, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootUUID != "" {
		return nil, t.rootUUID
	}
	chain := "system." + organismName
	id := uuid.NewString()
	entry := buildThreadCreate(chain, profile, id, nowMs)
	return &entry, id
}

// ApplyWalEntry is the inverse of the WAL entry builders: given an entry
// previously produced by this table, it mutates in-memory state
// identically whether called live or during replay.
func (t *ThreadTable) ApplyWalEntry(entry WalEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch entry.Tag {
	case TagThreadCreate:
		parts, rest, err := splitNulTerminated(entry.Payload, 3)
		if err != nil {
			return err
		}
		if len(rest) < 8 {
			return fmt.Errorf("%w: truncated ThreadCreate timestamp", ErrInvalidData)
		}
		chain, profile, id := parts[0], parts[1], parts[2]
		created := int64(binary.LittleEndian.Uint64(rest[:8]))
		if _, exists := t.byUUID[id]; !exists {
			t.byUUID[id] = &ThreadRecord{UUID: id, Chain: chain, ProfileName: profile, CreatedAtMs: created}
			t.byChain[chain] = id
		}
		if t.rootUUID == "" {
			t.rootUUID = id
			t.rootChain = chain
		}
		return nil

	case TagThreadExtend:
		parts, rest, err := splitNulTerminated(entry.Payload, 3)
		if err != nil {
			return err
		}
		if len(rest) < 8 {
			return fmt.Errorf("%w: truncated ThreadExtend timestamp", ErrInvalidData)
		}
		chain, profile, id := parts[0], parts[1], parts[2]
		created := int64(binary.LittleEndian.Uint64(rest[:8]))
		if _, exists := t.byUUID[id]; !exists {
			t.byUUID[id] = &ThreadRecord{UUID: id, Chain: chain, ProfileName: profile, CreatedAtMs: created}
		}
		t.byChain[chain] = id
		return nil

	case TagThreadPrune:
		parts, _, err := splitNulTerminated(entry.Payload, 1)
		if err != nil {
			return err
		}
		// Prune itself does not remove records — ContextRelease/Cleanup do.
		_ = parts
		return nil

	case TagThreadCleanup:
		parts, _, err := splitNulTerminated(entry.Payload, 1)
		if err != nil {
			return err
		}
		id := parts[0]
		if rec, ok := t.byUUID[id]; ok {
			if t.byChain[rec.Chain] == id {
				delete(t.byChain, rec.Chain)
			}
			delete(t.byUUID, id)
		}
		return nil

	default:
		return nil
	}
}

// PeekExtendChain computes the WAL entry and resulting uuid for extending
// currentUUID's chain by nextHop, without mutating state. If the chain
// already exists, the existing uuid is returned and the entry still
// encodes the (idempotent) extension so replay stays consistent.
func (t *ThreadTable) PeekExtendChain(currentUUID, nextHop string, nowMs int64) (WalEntry, string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur, ok := t.byUUID[currentUUID]
	if !ok {
		return WalEntry{}, "", ErrThreadNotFound
	}
	chain := cur.Chain + "." + nextHop
	if existing, ok := t.byChain[chain]; ok {
		entry := buildThreadExtend(chain, cur.ProfileName, existing, nowMs)
		return entry, existing, nil
	}
	id := uuid.NewString()
	entry := buildThreadExtend(chain, cur.ProfileName, id, nowMs)
	return entry, id, nil
}

func buildThreadExtend(chain, profile, id string, createdAtMs int64) WalEntry {
	e := buildThreadCreate(chain, profile, id, createdAtMs)
	e.Tag = TagThreadExtend
	return e
}

// GetProfile walks up the chain from uuid, returning the nearest ancestor's
// non-empty profile name, falling back to the root's profile.
func (t *ThreadTable) GetProfile(id string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.byUUID[id]
	if !ok {
		return "", ErrThreadNotFound
	}
	if rec.ProfileName != "" {
		return rec.ProfileName, nil
	}
	chain := rec.Chain
	for {
		idx := strings.LastIndex(chain, ".")
		if idx < 0 {
			break
		}
		chain = chain[:idx]
		if pid, ok := t.byChain[chain]; ok {
			if prec, ok := t.byUUID[pid]; ok && prec.ProfileName != "" {
				return prec.ProfileName, nil
			}
		}
	}
	if root, ok := t.byUUID[t.rootUUID]; ok {
		return root.ProfileName, nil
	}
	return "", nil
}

// PruneResult is what PeekPruneForResponse / PruneForResponse compute: the
// listener name that becomes the new tail, and the uuid of the shortened
// chain (possibly newly minted).
type PruneResult struct {
	Target   string
	ThreadID string
}

// PeekPruneForResponse computes the result of dropping the current thread's
// last chain hop, without mutating state. Returns ok=false when the chain
// has only one hop (nothing to prune to).
func (t *ThreadTable) PeekPruneForResponse(id string, nowMs int64) (result PruneResult, entries []WalEntry, ok bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, exists := t.byUUID[id]
	if !exists {
		return PruneResult{}, nil, false, ErrThreadNotFound
	}
	idx := strings.LastIndex(rec.Chain, ".")
	if idx < 0 {
		return PruneResult{}, nil, false, nil
	}
	target := rec.Chain[idx+1:]
	shortChain := rec.Chain[:idx]

	pruneEntry := buildThreadPrune(id)

	if existingID, exists := t.byChain[shortChain]; exists {
		return PruneResult{Target: target, ThreadID: existingID}, []WalEntry{pruneEntry}, true, nil
	}
	newID := uuid.NewString()
	createEntry := buildThreadCreate(shortChain, rec.ProfileName, newID, nowMs)
	createEntry.Tag = TagThreadExtend
	return PruneResult{Target: target, ThreadID: newID}, []WalEntry{pruneEntry, createEntry}, true, nil
}

func buildThreadPrune(id string) WalEntry {
	return WalEntry{Tag: TagThreadPrune, Payload: append([]byte(id), 0)}
}

func buildThreadCleanup(id string) WalEntry {
	return WalEntry{Tag: TagThreadCleanup, Payload: append([]byte(id), 0)}
}

// Now returns the current wall-clock time in milliseconds since epoch. A
// thin seam so kernel composite operations can stamp entries consistently;
// it is not itself persisted state.
func Now() int64 {
	return time.Now().UnixMilli()
}
