package librarian

import (
	"context"
	"testing"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/llmpool"
)

type scriptedDriver struct {
	responses []string
	calls     int
}

func (d *scriptedDriver) Name() string { return "test" }

func (d *scriptedDriver) next() *llmpool.MessagesResponse {
	i := d.calls
	if i >= len(d.responses) {
		i = len(d.responses) - 1
	}
	d.calls++
	return &llmpool.MessagesResponse{Content: []llmpool.ContentBlock{llmpool.TextBlock(d.responses[i])}}
}

func (d *scriptedDriver) Complete(ctx context.Context, modelID, system string, messages []llmpool.Message, maxTokens int) (*llmpool.MessagesResponse, error) {
	return d.next(), nil
}

func (d *scriptedDriver) CompleteWithTools(ctx context.Context, modelID, system string, messages []llmpool.Message, maxTokens int, tools []llmpool.Tool) (*llmpool.MessagesResponse, error) {
	return d.next(), nil
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

// TestCurateEmptyInventoryIsNoOp implements spec scenario S5.
func TestCurateEmptyInventoryIsNoOp(t *testing.T) {
	k := newTestKernel(t)
	driver := &scriptedDriver{responses: []string{"should never be called"}}
	pool := llmpool.New()
	pool.RegisterDriver(driver)
	pool.RegisterAlias(DefaultModelAlias, "test", "test-model")
	lib := New(k, pool, "")

	result, err := lib.Curate(context.Background(), "t1", nil, 8000)
	if err != nil {
		t.Fatalf("Curate: %v", err)
	}
	if result.SystemContext != "" || len(result.PagedIn) != 0 || len(result.PagedOut) != 0 ||
		len(result.Folded) != 0 || len(result.Unfolded) != 0 || result.WorkingSetTokens != 0 {
		t.Fatalf("expected a no-op result, got %+v", result)
	}
	if driver.calls != 0 {
		t.Fatalf("expected no LLM call against empty inventory, got %d", driver.calls)
	}
}

func TestCurateAppliesPageOutAndFold(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	if err := k.AddContextSegment(ctx, "t1", kernel.ContextSegment{ID: "s1", Tag: "code", Status: kernel.StatusActive, Content: []byte("fn main(){}")}); err != nil {
		t.Fatalf("AddContextSegment: %v", err)
	}
	if err := k.AddContextSegment(ctx, "t1", kernel.ContextSegment{ID: "s2", Tag: "code", Status: kernel.StatusActive, Content: []byte("fn other(){}")}); err != nil {
		t.Fatalf("AddContextSegment: %v", err)
	}

	decision := `<CurationDecision>
  <page_out><id>s1</id></page_out>
  <fold><segment id="s2">summary of s2</segment></fold>
</CurationDecision>`
	driver := &scriptedDriver{responses: []string{decision}}
	pool := llmpool.New()
	pool.RegisterDriver(driver)
	pool.RegisterAlias(DefaultModelAlias, "test", "test-model")
	lib := New(k, pool, "")

	result, err := lib.Curate(ctx, "t1", []llmpool.Message{llmpool.TextMessage(llmpool.RoleUser, "hi")}, 8000)
	if err != nil {
		t.Fatalf("Curate: %v", err)
	}
	if len(result.PagedOut) != 1 || result.PagedOut[0] != "s1" {
		t.Fatalf("expected s1 paged out, got %+v", result.PagedOut)
	}
	if len(result.Folded) != 1 || result.Folded[0] != "s2" {
		t.Fatalf("expected s2 folded, got %+v", result.Folded)
	}
	seg, ok := k.Context().GetSegment("t1", "s2")
	if !ok || seg.Status != kernel.StatusFolded || string(seg.Content) != "summary of s2" {
		t.Fatalf("expected s2 folded with summary content, got %+v ok=%v", seg, ok)
	}
}

func TestCurateNoParseableXMLIsNoOp(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	if err := k.AddContextSegment(ctx, "t1", kernel.ContextSegment{ID: "s1", Tag: "code", Status: kernel.StatusActive, Content: []byte("x")}); err != nil {
		t.Fatalf("AddContextSegment: %v", err)
	}
	driver := &scriptedDriver{responses: []string{"I have no idea what you mean"}}
	pool := llmpool.New()
	pool.RegisterDriver(driver)
	pool.RegisterAlias(DefaultModelAlias, "test", "test-model")
	lib := New(k, pool, "")

	result, err := lib.Curate(ctx, "t1", nil, 8000)
	if err != nil {
		t.Fatalf("Curate: %v", err)
	}
	if len(result.PagedIn) != 0 || len(result.PagedOut) != 0 || len(result.Folded) != 0 || len(result.Unfolded) != 0 {
		t.Fatalf("expected no ops applied, got %+v", result)
	}
}

func TestScoreRelevanceClampsAndWritesBack(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	if err := k.AddContextSegment(ctx, "t1", kernel.ContextSegment{ID: "s1", Tag: "code", Status: kernel.StatusActive, Content: []byte("x")}); err != nil {
		t.Fatalf("AddContextSegment: %v", err)
	}
	driver := &scriptedDriver{responses: []string{`<Scores><score id="s1" value="1.7"/></Scores>`}}
	pool := llmpool.New()
	pool.RegisterDriver(driver)
	pool.RegisterAlias(DefaultModelAlias, "test", "test-model")
	lib := New(k, pool, "")

	if err := lib.ScoreRelevance(ctx, "t1", "find the entrypoint"); err != nil {
		t.Fatalf("ScoreRelevance: %v", err)
	}
	seg, ok := k.Context().GetSegment("t1", "s1")
	if !ok {
		t.Fatal("segment missing")
	}
	if seg.Relevance != 1.0 {
		t.Fatalf("expected relevance clamped to 1.0, got %v", seg.Relevance)
	}
}
