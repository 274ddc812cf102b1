// Package kernel implements the durable, single-node message-passing core:
// a write-ahead log, thread table, context store, and dispatch journal,
// composed atomically behind a single mutex. Every public Kernel operation
// is WAL-first: a batch of entries is appended and fsynced before the
// in-memory projection is mutated, so that replaying the WAL after a crash
// reconstructs identical state.
package kernel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
)

// TypeTag identifies the shape of a WalEntry's payload. Values are stable
// across versions; they are written to disk and must never be reassigned.
type TypeTag uint8

const (
	TagThreadCreate   TypeTag = 1
	TagThreadExtend   TypeTag = 2
	TagThreadPrune    TypeTag = 3
	TagThreadCleanup  TypeTag = 4
	TagContextAlloc   TypeTag = 10
	TagContextAppend  TypeTag = 11 // legacy
	TagContextRelease TypeTag = 12
	TagSegmentAdd     TypeTag = 13
	TagSegmentRemove  TypeTag = 14
	TagSegmentPageIn  TypeTag = 15
	TagSegmentPageOut TypeTag = 16
	TagSegmentRelevnc TypeTag = 17
	TagContextFold    TypeTag = 18
	TagContextUnfold  TypeTag = 19
	TagJournalDispat  TypeTag = 20
	TagJournalDelivr  TypeTag = 21
	TagJournalFailed  TypeTag = 22
	TagAtomicBatch    TypeTag = 50
)

// WalEntry is one unit of durable intent: a type tag plus its encoded
// payload. Higher-level apply logic lives in threadtable.go, contextstore.go
// and journal.go; this file only knows how to frame and checksum bytes.
type WalEntry struct {
	Tag     TypeTag
	Payload []byte
}

// EncodeBatch wraps a sequence of entries as a single AtomicBatch entry:
// count(u32) followed by each inner entry serialized as
// tag(u8)|len(u32)|payload. Replay expands it transparently, or discards
// the whole thing on CRC failure — there is no partial application.
func EncodeBatch(entries []WalEntry) WalEntry {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		head := make([]byte, 5)
		head[0] = byte(e.Tag)
		binary.LittleEndian.PutUint32(head[1:], uint32(len(e.Payload)))
		buf = append(buf, head...)
		buf = append(buf, e.Payload...)
	}
	return WalEntry{Tag: TagAtomicBatch, Payload: buf}
}

func decodeBatch(payload []byte) ([]WalEntry, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: truncated batch header", ErrInvalidData)
	}
	count := binary.LittleEndian.Uint32(payload[:4])
	rest := payload[4:]
	entries := make([]WalEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 5 {
			return nil, fmt.Errorf("%w: truncated batch entry header", ErrInvalidData)
		}
		tag := TypeTag(rest[0])
		n := binary.LittleEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if uint32(len(rest)) < n {
			return nil, fmt.Errorf("%w: truncated batch entry payload", ErrInvalidData)
		}
		entries = append(entries, WalEntry{Tag: tag, Payload: rest[:n]})
		rest = rest[n:]
	}
	return entries, nil
}

// WAL is an append-only, integrity-checked log file. On-disk record shape:
// length(u32 LE) | crc32(u32 LE) | type_tag(u8) | payload. CRC covers
// tag+payload, not length. The log is never rewritten in place;
// Checkpoint is the only way to shrink it, and the caller must already
// have durably persisted the state the WAL represents before calling it.
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
	log  *slog.Logger
}

// OpenWAL opens (creating if absent) the log file at path for append, and
// reports its current on-disk size for callers tracking checkpoint need.
func OpenWAL(path string, log *slog.Logger) (*WAL, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kernel: open wal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("kernel: stat wal: %w", err)
	}
	return &WAL{path: path, f: f, size: info.Size(), log: log.With("component", "kernel.wal")}, nil
}

// Append writes a single entry and fsyncs before returning. WAL writes are
// not cancellable mid-fsync; callers must treat this as a blocking,
// non-interruptible operation.
func (w *WAL) Append(entry WalEntry) error {
	return w.writeRecord(entry)
}

// AppendBatch wraps entries in a single AtomicBatch record so that either
// all of them become visible on replay or none do.
func (w *WAL) AppendBatch(entries []WalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) == 1 {
		return w.writeRecord(entries[0])
	}
	return w.writeRecord(EncodeBatch(entries))
}

func (w *WAL) writeRecord(entry WalEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body := make([]byte, 1+len(entry.Payload))
	body[0] = byte(entry.Tag)
	copy(body[1:], entry.Payload)

	crc := crc32.ChecksumIEEE(body)
	record := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(record[4:8], crc)
	copy(record[8:], body)

	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("kernel: seek wal: %w", err)
	}
	n, err := w.f.Write(record)
	if err != nil {
		return fmt.Errorf("kernel: write wal: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("kernel: fsync wal: %w", err)
	}
	w.size += int64(n)
	return nil
}

// Replay reads every record from the start of the log, expanding batches,
// skipping CRC-corrupt single records (with a warning) and stopping
// cleanly at a truncated header or payload (treated as end-of-log, not an
// error). Unknown type tags are returned to the caller uninterpreted —
// skipping them is the responsibility of the store that applies entries.
func (w *WAL) Replay() ([]WalEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("kernel: seek wal: %w", err)
	}
	r := bufio.NewReader(w.f)

	var out []WalEntry
	offset := int64(0)
	for {
		header := make([]byte, 8)
		n, err := io.ReadFull(r, header)
		if err == io.EOF {
			break
		}
		if err != nil || n < 8 {
			w.log.Warn("wal replay: truncated record header, stopping", "offset", offset)
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])

		body := make([]byte, length)
		n, err = io.ReadFull(r, body)
		if err != nil || uint32(n) < length {
			w.log.Warn("wal replay: truncated record payload, stopping", "offset", offset)
			break
		}
		offset += int64(8 + length)

		if crc32.ChecksumIEEE(body) != wantCRC {
			w.log.Warn("wal replay: crc mismatch, skipping record", "offset", offset)
			continue
		}
		if length < 1 {
			w.log.Warn("wal replay: empty body, skipping record", "offset", offset)
			continue
		}
		entry := WalEntry{Tag: TypeTag(body[0]), Payload: body[1:]}
		if entry.Tag == TagAtomicBatch {
			inner, derr := decodeBatch(entry.Payload)
			if derr != nil {
				w.log.Warn("wal replay: corrupt batch, skipping", "offset", offset, "error", derr)
				continue
			}
			out = append(out, inner...)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Checkpoint truncates the log to zero length. The caller must already
// have durably persisted the state the log represented (e.g. via a
// snapshot or because the in-memory state is about to be rebuilt and
// persisted independently); the kernel itself relies solely on WAL replay
// for recovery, so Checkpoint is a deliberate, explicit operation, never
// automatic.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("kernel: truncate wal: %w", err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("kernel: seek wal: %w", err)
	}
	w.size = 0
	return nil
}

// Size reports the current on-disk length of the log in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
