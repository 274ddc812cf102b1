package pipeline

import (
	"context"
	"testing"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/organism"
)

func testOrganism(t *testing.T) *organism.Organism {
	t.Helper()
	org := organism.New("test-org")
	org.AddListener(organism.ListenerDef{Name: "coding-agent", IsAgent: true})
	org.AddListener(organism.ListenerDef{Name: "file-read"})
	if err := org.AddProfile(&organism.SecurityProfile{
		Name:             "default",
		AllowedListeners: map[string]struct{}{"coding-agent": {}, "file-read": {}},
	}); err != nil {
		t.Fatalf("AddProfile: %v", err)
	}
	return org
}

func testKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kernel.Open: %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })
	if _, err := k.InitializeRoot(context.Background(), "test-org", "default"); err != nil {
		t.Fatalf("InitializeRoot: %v", err)
	}
	return k
}

func TestInjectDeniedByProfileEmitsSecurityBlocked(t *testing.T) {
	org := organism.New("test-org")
	org.AddListener(organism.ListenerDef{Name: "coding-agent"})
	if err := org.AddProfile(&organism.SecurityProfile{Name: "restricted", AllowedListeners: map[string]struct{}{}}); err != nil {
		t.Fatalf("AddProfile: %v", err)
	}
	k := testKernel(t)
	p, err := NewBuilder(k, org).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sub := p.Subscribe()
	defer sub.Unsubscribe()

	root := k.Threads().RootUUID()
	_, err = p.Inject(context.Background(), "restricted", "external", "coding-agent", root, "<AgentTask><task>hi</task></AgentTask>")
	if err == nil {
		t.Fatal("expected Inject to be denied")
	}
	if _, ok := err.(*ErrUnreachable); !ok {
		t.Fatalf("expected ErrUnreachable, got %T: %v", err, err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != EventSecurityBlocked {
			t.Fatalf("expected SecurityBlocked, got %v", ev.Kind)
		}
	default:
		t.Fatal("expected a SecurityBlocked event")
	}
}

func TestInjectRoutesToHandlerAndReturnsReply(t *testing.T) {
	org := testOrganism(t)
	k := testKernel(t)

	var gotThreadID, gotPayload string
	agentHandler := HandlerFunc(func(ctx context.Context, threadID, payloadXML string) (*HandleOutcome, error) {
		gotThreadID = threadID
		gotPayload = payloadXML
		return &HandleOutcome{Reply: "<AgentResponse><result>done</result></AgentResponse>"}, nil
	})

	p, err := NewBuilder(k, org).WithHandler("coding-agent", agentHandler).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sub := p.Subscribe()
	defer sub.Unsubscribe()

	root := k.Threads().RootUUID()
	reply, err := p.Inject(context.Background(), "default", "external", "coding-agent", root, "<AgentTask><task>hi</task></AgentTask>")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if reply != "<AgentResponse><result>done</result></AgentResponse>" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if gotThreadID == "" || gotPayload == "" {
		t.Fatalf("handler was not invoked: threadID=%q payload=%q", gotThreadID, gotPayload)
	}

	var sawResponse bool
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == EventAgentResponse {
				sawResponse = true
			}
			continue
		default:
		}
		break
	}
	if !sawResponse {
		t.Fatal("expected an AgentResponse event once the handler produced a terminal reply")
	}
}

func TestInjectChainsToolCallBackIntoAgentHandler(t *testing.T) {
	org := testOrganism(t)
	k := testKernel(t)

	callCount := 0
	agentHandler := HandlerFunc(func(ctx context.Context, threadID, payloadXML string) (*HandleOutcome, error) {
		callCount++
		if callCount == 1 {
			return &HandleOutcome{Outgoing: &Dispatch{To: "file-read", PayloadXML: "<FileReadRequest><path>foo.rs</path></FileReadRequest>"}}, nil
		}
		return &HandleOutcome{Reply: "<AgentResponse><result>" + payloadXML + "</result></AgentResponse>"}, nil
	})
	fileRead := HandlerFunc(func(ctx context.Context, threadID, payloadXML string) (*HandleOutcome, error) {
		return &HandleOutcome{Reply: "<ToolResponse><success>true</success><result>fn main(){}</result></ToolResponse>"}, nil
	})

	p, err := NewBuilder(k, org).WithHandler("coding-agent", agentHandler).WithHandler("file-read", fileRead).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	root := k.Threads().RootUUID()
	reply, err := p.Inject(context.Background(), "default", "external", "coding-agent", root, "<AgentTask><task>Read foo.rs</task></AgentTask>")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if callCount != 2 {
		t.Fatalf("expected the agent handler to run twice (task, then tool response), got %d", callCount)
	}
	if reply == "" {
		t.Fatal("expected a non-empty final reply")
	}
}

func TestInjectUnknownListenerFailsFast(t *testing.T) {
	org := testOrganism(t)
	k := testKernel(t)
	p, err := NewBuilder(k, org).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	root := k.Threads().RootUUID()
	_, err = p.Inject(context.Background(), "default", "external", "coding-agent", root, "<AgentTask/>")
	if _, ok := err.(*ErrNoHandler); !ok {
		t.Fatalf("expected ErrNoHandler, got %T: %v", err, err)
	}
}

func TestBuilderRejectsLibrarianWithoutLLMPool(t *testing.T) {
	org := testOrganism(t)
	k := testKernel(t)
	b := NewBuilder(k, org).WithLibrarian(nil)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected Build to reject a librarian dependency with no LLM pool")
	}
}
