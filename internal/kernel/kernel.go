package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexuskernel/internal/audit"
	"github.com/haasonsaas/nexuskernel/internal/observability"
)

var tracer = otel.Tracer("github.com/haasonsaas/nexuskernel/internal/kernel")

// DurableMirror is an optional, best-effort external copy of Journal and
// Thread state (§4.20). Mirror writes never gate or fail the originating
// Kernel operation; failures are logged at warn and otherwise ignored.
type DurableMirror interface {
	MirrorJournalEntry(ctx context.Context, entry JournalEntry) error
	MirrorThreadRecord(ctx context.Context, rec ThreadRecord) error
}

// Kernel wraps the WAL, ThreadTable, ContextStore and Journal behind one
// mutex, making every public operation atomic: build the WAL entries for a
// state change, append them (WAL-first), then apply them to the in-memory
// stores. A crash between append and apply is recovered by replaying the
// WAL on the next Open.
type Kernel struct {
	mu      sync.Mutex
	dataDir string
	wal     *WAL
	threads *ThreadTable
	context *ContextStore
	journal *Journal

	log     *slog.Logger
	audit   *audit.Logger
	mirror  DurableMirror
	metrics *observability.Metrics
	events  *observability.EventRecorder
}

// Option configures optional Kernel collaborators.
type Option func(*Kernel)

// WithAuditLogger attaches a secondary, best-effort audit sink (§4.13).
func WithAuditLogger(l *audit.Logger) Option {
	return func(k *Kernel) { k.audit = l }
}

// WithDurableMirror attaches an optional external store mirror (§4.20).
func WithDurableMirror(m DurableMirror) Option {
	return func(k *Kernel) { k.mirror = m }
}

// WithLogger overrides the kernel's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithMetrics attaches Prometheus instrumentation for the message lifecycle.
func WithMetrics(m *observability.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithEventRecorder attaches an in-memory event timeline recorder (§4.17),
// queryable after the fact through the same store the caller constructed it
// with (e.g. a "nexus events" HTTP endpoint during "serve").
func WithEventRecorder(r *observability.EventRecorder) Option {
	return func(k *Kernel) { k.events = r }
}

// Open creates dataDir if needed, opens the WAL, constructs empty stores,
// and replays the WAL by feeding each entry to the owning store's
// ApplyWalEntry in order — exactly the sequence a crash-then-restart would
// produce.
func Open(dataDir string, opts ...Option) (*Kernel, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("kernel: create data dir: %w", err)
	}
	k := &Kernel{
		dataDir: dataDir,
		threads: NewThreadTable(),
		context: NewContextStore(),
		journal: NewJournal(),
		log:     slog.Default().With("component", "kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}

	wal, err := OpenWAL(filepath.Join(dataDir, "kernel.wal"), k.log)
	if err != nil {
		return nil, err
	}
	k.wal = wal

	entries, err := wal.Replay()
	if err != nil {
		return nil, fmt.Errorf("kernel: replay wal: %w", err)
	}
	for _, e := range entries {
		if err := k.applyEntry(e); err != nil {
			k.log.Warn("kernel: skipping unreplayable entry", "tag", e.Tag, "error", err)
		}
	}
	return k, nil
}

func (k *Kernel) applyEntry(e WalEntry) error {
	switch {
	case e.Tag == TagThreadCreate || e.Tag == TagThreadExtend || e.Tag == TagThreadPrune || e.Tag == TagThreadCleanup:
		return k.threads.ApplyWalEntry(e)
	case e.Tag == TagContextAlloc || e.Tag == TagContextRelease || e.Tag == TagSegmentAdd ||
		e.Tag == TagSegmentRemove || e.Tag == TagSegmentPageIn || e.Tag == TagSegmentPageOut ||
		e.Tag == TagSegmentRelevnc || e.Tag == TagContextFold || e.Tag == TagContextUnfold:
		return k.context.ApplyWalEntry(e)
	case e.Tag == TagJournalDispat || e.Tag == TagJournalDelivr || e.Tag == TagJournalFailed:
		return k.journal.ApplyWalEntry(e)
	default:
		return nil // unknown tags are skipped, not failed
	}
}

// Close releases the WAL file handle.
func (k *Kernel) Close() error {
	return k.wal.Close()
}

// Threads, Context and Journal expose read access to the composed stores
// for callers (Librarian, Agent Handler, CLI) that only need to query
// state, not mutate it outside a composite operation.
func (k *Kernel) Threads() *ThreadTable   { return k.threads }
func (k *Kernel) Context() *ContextStore { return k.context }
func (k *Kernel) JournalStore() *Journal { return k.journal }

func (k *Kernel) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kernel."+op, trace.WithAttributes(attrs...))
}

// InitializeRoot is idempotent: calling it twice returns the same uuid.
func (k *Kernel) InitializeRoot(ctx context.Context, organismName, profile string) (string, error) {
	ctx, span := k.span(ctx, "initialize_root", attribute.String("organism", organismName))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()

	entry, id := k.threads.PeekInitializeRoot(organismName, profile, Now())
	if entry == nil {
		return id, nil
	}
	if err := k.wal.AppendBatch([]WalEntry{*entry}); err != nil {
		return "", err
	}
	if err := k.threads.ApplyWalEntry(*entry); err != nil {
		return "", err
	}
	k.mirrorThread(ctx, id)
	return id, nil
}

// DispatchMessage is the composite operation backing one pipeline hop:
// extend the sender-side thread chain, allocate context for the new
// thread, and log the dispatch in the journal — three WAL entries in one
// atomic batch.
func (k *Kernel) DispatchMessage(ctx context.Context, from, to, threadID, messageID string) (string, error) {
	ctx, span := k.span(ctx, "dispatch_message",
		attribute.String("thread_id", threadID), attribute.String("from", from), attribute.String("to", to))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()

	now := Now()
	extendEntry, newUUID, err := k.threads.PeekExtendChain(threadID, to, now)
	if err != nil {
		return "", err
	}
	contextEntries := k.context.PeekAddSegment(newUUID, ContextSegment{
		ID: "root", Tag: "dispatch", Status: StatusActive, CreatedAtMs: now,
	})
	dispatchEntry := k.journal.PeekLogDispatch(messageID, threadID, from, to, now, Retention{Kind: RetainForever})

	batch := append([]WalEntry{extendEntry}, contextEntries...)
	batch = append(batch, dispatchEntry)

	if err := k.wal.AppendBatch(batch); err != nil {
		return "", err
	}
	if err := k.threads.ApplyWalEntry(extendEntry); err != nil {
		return "", err
	}
	for _, e := range contextEntries {
		if err := k.context.ApplyWalEntry(e); err != nil {
			return "", err
		}
	}
	if err := k.journal.ApplyWalEntry(dispatchEntry); err != nil {
		return "", err
	}

	if k.audit != nil {
		k.audit.LogDispatch(ctx, messageID, threadID, from, to)
	}
	if k.metrics != nil {
		k.metrics.RecordDispatch(from, to)
	}
	if k.events != nil {
		evtCtx := observability.AddMessageID(observability.AddRunID(ctx, threadID), messageID)
		_ = k.events.Record(evtCtx, observability.EventTypeMessage, "dispatch", map[string]any{"from": from, "to": to})
	}
	k.mirrorJournalEntry(ctx, messageID)
	return newUUID, nil
}

// PruneThread is the composite operation backing a response return-path:
// shorten the thread chain, release the child's context, and mark its
// dispatched journal entries Delivered.
func (k *Kernel) PruneThread(ctx context.Context, threadID string) (*PruneResult, error) {
	ctx, span := k.span(ctx, "prune_thread", attribute.String("thread_id", threadID))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()

	now := Now()
	result, threadEntries, ok, err := k.threads.PeekPruneForResponse(threadID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	releaseEntry := buildContextRelease(threadID)
	deliveredEntries := k.journal.PeekMarkDeliveredByThread(threadID, now)

	batch := append(append([]WalEntry{}, threadEntries...), releaseEntry)
	batch = append(batch, deliveredEntries...)

	if err := k.wal.AppendBatch(batch); err != nil {
		return nil, err
	}
	for _, e := range threadEntries {
		if err := k.threads.ApplyWalEntry(e); err != nil {
			return nil, err
		}
	}
	if err := k.context.ApplyWalEntry(releaseEntry); err != nil {
		return nil, err
	}
	for _, e := range deliveredEntries {
		if err := k.journal.ApplyWalEntry(e); err != nil {
			return nil, err
		}
		if k.audit != nil {
			k.audit.LogDelivered(ctx, "", threadID)
		}
	}
	return &result, nil
}

// FoldThread performs the same structural change as PruneThread but,
// instead of discarding the child's context, concatenates its segment
// bodies into a FoldStore entry and inserts a fold-summary segment into
// the parent's context — recoverable via unfold-style retrieval, unlike a
// plain prune.
func (k *Kernel) FoldThread(ctx context.Context, threadID string, summary []byte) (*PruneResult, error) {
	ctx, span := k.span(ctx, "fold_thread", attribute.String("thread_id", threadID))
	defer span.End()

	start := time.Now()
	if k.metrics != nil {
		defer func() { k.metrics.ObserveFoldDuration(time.Since(start).Seconds()) }()
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := Now()
	result, threadEntries, ok, err := k.threads.PeekPruneForResponse(threadID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	releaseEntry := buildContextRelease(threadID)
	deliveredEntries := k.journal.PeekMarkDeliveredByThread(threadID, now)

	foldRef := fmt.Sprintf("fold-thread-%s", threadID)
	concatenated := k.concatenateThreadBodyLocked(threadID)

	summarySeg := ContextSegment{
		ID: "fold-summary-" + threadID, Tag: "fold-summary", Content: summary,
		Status: StatusFolded, FoldRef: foldRef, CreatedAtMs: now,
	}
	summaryEntries := k.context.PeekAddFoldedSegment(result.ThreadID, summarySeg, concatenated)

	batch := append(append([]WalEntry{}, threadEntries...), releaseEntry)
	batch = append(batch, deliveredEntries...)
	batch = append(batch, summaryEntries...)

	if err := k.wal.AppendBatch(batch); err != nil {
		return nil, err
	}
	for _, e := range threadEntries {
		if err := k.threads.ApplyWalEntry(e); err != nil {
			return nil, err
		}
	}
	if err := k.context.ApplyWalEntry(releaseEntry); err != nil {
		return nil, err
	}
	for _, e := range deliveredEntries {
		if err := k.journal.ApplyWalEntry(e); err != nil {
			return nil, err
		}
	}
	for _, e := range summaryEntries {
		if err := k.context.ApplyWalEntry(e); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

func (k *Kernel) concatenateThreadBodyLocked(threadID string) []byte {
	var out []byte
	for _, seg := range k.context.GetWorkingSet(threadID) {
		out = append(out, seg.Content...)
		out = append(out, '\n')
	}
	return out
}

// FoldSegment applies §4.3's fold operation to one segment of threadID,
// WAL-first.
func (k *Kernel) FoldSegment(ctx context.Context, threadID, segID string, summary []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, _, err := k.context.PeekFold(threadID, segID, summary)
	if err != nil {
		return err
	}
	if err := k.wal.Append(entry); err != nil {
		return err
	}
	return k.context.ApplyWalEntry(entry)
}

// UnfoldSegment applies §4.3's unfold operation, WAL-first.
func (k *Kernel) UnfoldSegment(ctx context.Context, threadID, segID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, err := k.context.PeekUnfold(threadID, segID)
	if err != nil {
		return err
	}
	if err := k.wal.Append(entry); err != nil {
		return err
	}
	return k.context.ApplyWalEntry(entry)
}

// EvictFoldSegment applies §4.3's lossy evict_fold operation, WAL-first.
func (k *Kernel) EvictFoldSegment(ctx context.Context, threadID, segID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, err := k.context.EvictFold(threadID, segID)
	if err != nil {
		return err
	}
	return k.wal.Append(entry)
}

// AddContextSegment appends a new segment to threadID's context, WAL-first.
// Used by handlers and the librarian to park conversation turns, tool
// results, and curated summaries as addressable segments.
func (k *Kernel) AddContextSegment(ctx context.Context, threadID string, seg ContextSegment) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entries := k.context.PeekAddSegment(threadID, seg)
	if err := k.wal.AppendBatch(entries); err != nil {
		return err
	}
	for _, e := range entries {
		if err := k.context.ApplyWalEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// SetSegmentRelevance writes a freshly scored relevance value onto a
// segment, WAL-first (the librarian's score_relevance operation, §4.9).
func (k *Kernel) SetSegmentRelevance(ctx context.Context, threadID, segID string, relevance float32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry := k.context.PeekSetRelevance(threadID, segID, relevance)
	if err := k.wal.Append(entry); err != nil {
		return err
	}
	return k.context.ApplyWalEntry(entry)
}

// PageInSegment moves a Shelved segment to Active, WAL-first.
func (k *Kernel) PageInSegment(ctx context.Context, threadID, segID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry := k.context.PeekPageIn(threadID, segID)
	if err := k.wal.Append(entry); err != nil {
		return err
	}
	return k.context.ApplyWalEntry(entry)
}

// PageOutSegment moves an Active segment to Shelved, WAL-first.
func (k *Kernel) PageOutSegment(ctx context.Context, threadID, segID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry := k.context.PeekPageOut(threadID, segID)
	if err := k.wal.Append(entry); err != nil {
		return err
	}
	return k.context.ApplyWalEntry(entry)
}

// MarkDelivered advances a single message to Delivered, WAL-first.
func (k *Kernel) MarkDelivered(ctx context.Context, messageID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, err := k.journal.PeekMarkDelivered(messageID, Now())
	if err != nil {
		return err
	}
	if err := k.wal.Append(entry); err != nil {
		return err
	}
	if err := k.journal.ApplyWalEntry(entry); err != nil {
		return err
	}
	if e, ok := k.journal.Get(messageID); ok {
		if k.audit != nil {
			k.audit.LogDelivered(ctx, messageID, e.ThreadID)
		}
		if k.metrics != nil {
			k.metrics.RecordDelivered(e.To)
		}
		if k.events != nil {
			evtCtx := observability.AddMessageID(observability.AddRunID(ctx, e.ThreadID), messageID)
			_ = k.events.Record(evtCtx, observability.EventTypeMessage, "delivered", map[string]any{"to": e.To})
		}
	}
	k.mirrorJournalEntry(ctx, messageID)
	return nil
}

// MarkFailed advances a single message to Failed, WAL-first.
func (k *Kernel) MarkFailed(ctx context.Context, messageID, reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, err := k.journal.PeekMarkFailed(messageID, reason)
	if err != nil {
		return err
	}
	if err := k.wal.Append(entry); err != nil {
		return err
	}
	if err := k.journal.ApplyWalEntry(entry); err != nil {
		return err
	}
	if e, ok := k.journal.Get(messageID); ok {
		if k.audit != nil {
			k.audit.LogFailed(ctx, messageID, e.ThreadID, reason)
		}
		if k.metrics != nil {
			k.metrics.RecordFailed(e.To, reason)
		}
		if k.events != nil {
			evtCtx := observability.AddMessageID(observability.AddRunID(ctx, e.ThreadID), messageID)
			_ = k.events.RecordError(evtCtx, observability.EventTypeMessage, "failed", fmt.Errorf("%s", reason), map[string]any{"to": e.To})
		}
	}
	return nil
}

// NewMessageID mints a fresh message identifier for callers dispatching a
// message into the pipeline.
func NewMessageID() string { return uuid.NewString() }

func (k *Kernel) mirrorThread(ctx context.Context, threadID string) {
	if k.mirror == nil {
		return
	}
	rec, ok := k.threads.Lookup(threadID)
	if !ok {
		return
	}
	if err := k.mirror.MirrorThreadRecord(ctx, *rec); err != nil {
		k.log.Warn("kernel: durable mirror write failed", "op", "thread", "error", err)
	}
}

func (k *Kernel) mirrorJournalEntry(ctx context.Context, messageID string) {
	if k.mirror == nil {
		return
	}
	entry, ok := k.journal.Get(messageID)
	if !ok {
		return
	}
	if err := k.mirror.MirrorJournalEntry(ctx, entry); err != nil {
		k.log.Warn("kernel: durable mirror write failed", "op", "journal", "error", err)
	}
}
