// Package librarian implements the curation loop from spec §4.9: before
// an agent turn, a small fast model decides which context segments page
// in, page out, fold, or unfold, given an inventory of segment metadata
// (never bodies) plus the incoming messages and a token budget.
package librarian

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/llmpool"
)

// DefaultModelAlias is the curation model — spec names it "haiku": a
// small, fast model, distinct from whatever drives the agent's own turns.
const DefaultModelAlias = "haiku"

// charsPerTokenEstimate matches spec §4.9's "~4 chars per token" estimator.
const charsPerTokenEstimate = 4

// CurationResult is what one curate() call decides and produces.
type CurationResult struct {
	SystemContext    string
	PagedIn          []string
	PagedOut         []string
	Folded           []string
	Unfolded         []string
	WorkingSetTokens int
}

// Librarian curates one kernel's thread contexts using an LLM pool.
type Librarian struct {
	kernel *kernel.Kernel
	pool   *llmpool.Pool
	model  string
	log    *slog.Logger
}

// New returns a Librarian bound to k and pool. modelAlias overrides
// DefaultModelAlias when non-empty.
func New(k *kernel.Kernel, pool *llmpool.Pool, modelAlias string) *Librarian {
	if modelAlias == "" {
		modelAlias = DefaultModelAlias
	}
	return &Librarian{kernel: k, pool: pool, model: modelAlias, log: slog.Default().With("component", "librarian")}
}

// Curate runs the curation algorithm (§4.9 steps 1-6) for threadID.
func (l *Librarian) Curate(ctx context.Context, threadID string, incoming []llmpool.Message, tokenBudget int) (*CurationResult, error) {
	inventory := l.kernel.Context().GetInventory(threadID)
	if len(inventory) == 0 {
		return &CurationResult{}, nil
	}

	prompt := buildCurationPrompt(inventory, incoming, tokenBudget)
	resp, err := l.pool.Complete(ctx, l.model, []llmpool.Message{llmpool.TextMessage(llmpool.RoleUser, prompt)}, 1024, curationSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("librarian: curation completion: %w", err)
	}

	decision, ok := parseCurationDecision(resp.Text())
	if !ok {
		l.log.Warn("librarian: model returned no parseable CurationDecision; no-op", "thread", threadID)
		return l.buildResult(threadID, CurationResult{})
	}

	result := CurationResult{}
	for _, id := range decision.PageIn {
		if err := l.kernel.PageInSegment(ctx, threadID, id); err != nil {
			l.log.Warn("librarian: page_in failed", "segment", id, "error", err)
			continue
		}
		result.PagedIn = append(result.PagedIn, id)
	}
	for _, id := range decision.PageOut {
		if err := l.kernel.PageOutSegment(ctx, threadID, id); err != nil {
			l.log.Warn("librarian: page_out failed", "segment", id, "error", err)
			continue
		}
		result.PagedOut = append(result.PagedOut, id)
	}
	for _, f := range decision.Fold {
		if err := l.kernel.FoldSegment(ctx, threadID, f.ID, []byte(f.Summary)); err != nil {
			l.log.Warn("librarian: fold failed", "segment", f.ID, "error", err)
			continue
		}
		result.Folded = append(result.Folded, f.ID)
	}
	for _, id := range decision.Unfold {
		if err := l.kernel.UnfoldSegment(ctx, threadID, id); err != nil {
			l.log.Warn("librarian: unfold failed", "segment", id, "error", err)
			continue
		}
		result.Unfolded = append(result.Unfolded, id)
	}

	return l.buildResult(threadID, result)
}

// buildResult fills in SystemContext and WorkingSetTokens from the
// post-curation working set (§4.9 steps 5-6).
func (l *Librarian) buildResult(threadID string, partial CurationResult) (*CurationResult, error) {
	working := l.kernel.Context().GetWorkingSet(threadID)
	if len(working) == 0 {
		return &partial, nil
	}
	var sb strings.Builder
	for _, seg := range working {
		fmt.Fprintf(&sb, "[%s: %s]\n%s\n", seg.Tag, seg.ID, seg.Content)
	}
	partial.SystemContext = sb.String()
	partial.WorkingSetTokens = len(partial.SystemContext) / charsPerTokenEstimate
	return &partial, nil
}

// ScoreRelevance runs §4.9's parallel relevance-scoring operation: build a
// scoring prompt, parse `<score id=... value=.../>` pairs, clamp each to
// [0,1], write relevance back into segments.
func (l *Librarian) ScoreRelevance(ctx context.Context, threadID, query string) error {
	inventory := l.kernel.Context().GetInventory(threadID)
	if len(inventory) == 0 {
		return nil
	}
	prompt := buildScoringPrompt(inventory, query)
	resp, err := l.pool.Complete(ctx, l.model, []llmpool.Message{llmpool.TextMessage(llmpool.RoleUser, prompt)}, 1024, scoringSystemPrompt)
	if err != nil {
		return fmt.Errorf("librarian: relevance scoring completion: %w", err)
	}
	scores := parseScores(resp.Text())
	for id, value := range scores {
		clamped := value
		if clamped < 0 {
			clamped = 0
		}
		if clamped > 1 {
			clamped = 1
		}
		if err := l.kernel.SetSegmentRelevance(ctx, threadID, id, clamped); err != nil {
			l.log.Warn("librarian: relevance write-back failed", "segment", id, "error", err)
		}
	}
	return nil
}

// CurateSystemContext adapts Curate to the narrow single-return-value
// contract agenthandler.Curator expects, so the Agent Handler can depend
// on a small interface instead of this package directly.
func (l *Librarian) CurateSystemContext(ctx context.Context, threadID string, incoming []llmpool.Message, tokenBudget int) (string, error) {
	result, err := l.Curate(ctx, threadID, incoming, tokenBudget)
	if err != nil {
		return "", err
	}
	return result.SystemContext, nil
}
