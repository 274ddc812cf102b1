package kernel

import (
	"encoding/binary"
	"strings"
	"sync"
	"time"
)

// JournalStatus is a JournalEntry's lifecycle position. Entries only ever
// move forward: Dispatched -> Delivered or Dispatched -> Failed.
type JournalStatus byte

const (
	StatusDispatched JournalStatus = iota
	StatusDelivered
	StatusFailed
)

// RetentionKind governs when Sweep removes an entry.
type RetentionKind byte

const (
	RetainForever RetentionKind = iota
	RetainPruneOnDelivery
	RetainDays
)

// Retention pairs a RetentionKind with the day count RetainDays needs.
type Retention struct {
	Kind RetentionKind
	Days int
}

// JournalEntry is the durable dispatch-audit record of one message.
type JournalEntry struct {
	MessageID     string
	ThreadID      string
	From          string
	To            string
	Status        JournalStatus
	DispatchedAt  int64
	DeliveredAt   int64
	Retention     Retention
	FailureReason string
}

// Journal tracks every dispatched message's delivery lifecycle.
type Journal struct {
	mu      sync.RWMutex
	entries map[string]*JournalEntry
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{entries: make(map[string]*JournalEntry)}
}

func buildJournalDispatched(messageID, threadID, from, to string, dispatchedAt int64, retention Retention) WalEntry {
	var b strings.Builder
	b.WriteString(messageID)
	b.WriteByte(0)
	b.WriteString(threadID)
	b.WriteByte(0)
	b.WriteString(from)
	b.WriteByte(0)
	b.WriteString(to)
	b.WriteByte(0)

	tail := make([]byte, 8+1+4)
	binary.LittleEndian.PutUint64(tail[0:8], uint64(dispatchedAt))
	tail[8] = byte(retention.Kind)
	binary.LittleEndian.PutUint32(tail[9:13], uint32(retention.Days))
	return WalEntry{Tag: TagJournalDispat, Payload: append([]byte(b.String()), tail...)}
}

// PeekLogDispatch builds the WAL entry for a new Dispatched JournalEntry.
func (j *Journal) PeekLogDispatch(messageID, threadID, from, to string, nowMs int64, retention Retention) WalEntry {
	return buildJournalDispatched(messageID, threadID, from, to, nowMs, retention)
}

func buildJournalDelivered(messageID, threadID string, deliveredAt int64) WalEntry {
	payload := joinNul(messageID, threadID)
	tail := make([]byte, 8)
	binary.LittleEndian.PutUint64(tail, uint64(deliveredAt))
	return WalEntry{Tag: TagJournalDelivr, Payload: append(payload, tail...)}
}

func buildJournalFailed(messageID, threadID, reason string) WalEntry {
	payload := joinNul(messageID, threadID, reason)
	return WalEntry{Tag: TagJournalFailed, Payload: payload}
}

// PeekMarkDelivered builds the WAL entry advancing messageID to Delivered.
func (j *Journal) PeekMarkDelivered(messageID string, nowMs int64) (WalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[messageID]
	if !ok {
		return WalEntry{}, ErrJournalEntryNotFound
	}
	return buildJournalDelivered(messageID, e.ThreadID, nowMs), nil
}

// PeekMarkDeliveredByThread builds one WAL entry per still-Dispatched entry
// belonging to threadID.
func (j *Journal) PeekMarkDeliveredByThread(threadID string, nowMs int64) []WalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []WalEntry
	for _, e := range j.entries {
		if e.ThreadID == threadID && e.Status == StatusDispatched {
			out = append(out, buildJournalDelivered(e.MessageID, threadID, nowMs))
		}
	}
	return out
}

// PeekMarkFailed builds the WAL entry advancing messageID to Failed.
func (j *Journal) PeekMarkFailed(messageID, reason string) (WalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[messageID]
	if !ok {
		return WalEntry{}, ErrJournalEntryNotFound
	}
	return buildJournalFailed(messageID, e.ThreadID, reason), nil
}

// ApplyWalEntry is the inverse of this journal's WAL entry builders.
// No entry ever moves backwards in its lifecycle (invariant 8): applying a
// delivered/failed record to an already-terminal entry is a no-op.
func (j *Journal) ApplyWalEntry(entry WalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch entry.Tag {
	case TagJournalDispat:
		parts, rest, err := splitNulTerminated(entry.Payload, 4)
		if err != nil {
			return err
		}
		if len(rest) < 13 {
			return ErrInvalidData
		}
		messageID, threadID, from, to := parts[0], parts[1], parts[2], parts[3]
		dispatchedAt := int64(binary.LittleEndian.Uint64(rest[0:8]))
		retention := Retention{Kind: RetentionKind(rest[8]), Days: int(binary.LittleEndian.Uint32(rest[9:13]))}
		if _, exists := j.entries[messageID]; !exists {
			j.entries[messageID] = &JournalEntry{
				MessageID: messageID, ThreadID: threadID, From: from, To: to,
				Status: StatusDispatched, DispatchedAt: dispatchedAt, Retention: retention,
			}
		}
		return nil

	case TagJournalDelivr:
		parts, rest, err := splitNulTerminated(entry.Payload, 2)
		if err != nil {
			return err
		}
		if len(rest) < 8 {
			return ErrInvalidData
		}
		messageID := parts[0]
		deliveredAt := int64(binary.LittleEndian.Uint64(rest[0:8]))
		if e, ok := j.entries[messageID]; ok && e.Status == StatusDispatched {
			e.Status = StatusDelivered
			e.DeliveredAt = deliveredAt
		}
		return nil

	case TagJournalFailed:
		parts, _, err := splitNulTerminated(entry.Payload, 3)
		if err != nil {
			return err
		}
		messageID, _, reason := parts[0], parts[1], parts[2]
		if e, ok := j.entries[messageID]; ok && e.Status == StatusDispatched {
			e.Status = StatusFailed
			e.FailureReason = reason
		}
		return nil

	default:
		return nil
	}
}

// Get returns the entry for messageID, if present.
func (j *Journal) Get(messageID string) (JournalEntry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[messageID]
	if !ok {
		return JournalEntry{}, false
	}
	return *e, true
}

// FindUndelivered returns every entry still in the Dispatched state — the
// in-flight set that must be re-driven after a crash.
func (j *Journal) FindUndelivered() []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []JournalEntry
	for _, e := range j.entries {
		if e.Status == StatusDispatched {
			out = append(out, *e)
		}
	}
	return out
}

// Sweep removes entries whose retention policy says they are due for
// removal as of now. This mutates in-memory state directly: journal
// pruning is advisory housekeeping, not part of the WAL-replay contract,
// so it is not itself WAL-logged (an entry swept and then "resurrected" by
// a stale WAL replay is harmless — the entry would already be absent from
// the next live Sweep).
func (j *Journal) Sweep(now time.Time) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	removed := 0
	for id, e := range j.entries {
		switch e.Retention.Kind {
		case RetainPruneOnDelivery:
			if e.Status == StatusDelivered {
				delete(j.entries, id)
				removed++
			}
		case RetainDays:
			age := now.Sub(time.UnixMilli(e.DispatchedAt))
			if age > time.Duration(e.Retention.Days)*24*time.Hour {
				delete(j.entries, id)
				removed++
			}
		case RetainForever:
			// kept
		}
	}
	return removed
}
