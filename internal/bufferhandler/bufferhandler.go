// Package bufferhandler implements the "fork+exec of a child pipeline as
// a callable tool" described in spec §4.11: the parent pipeline invokes a
// Buffer Handler the same way it invokes any other tool, and the handler
// spins up an entire child Pipeline — its own ephemeral kernel, its own
// tool handlers, the parent's shared LLM pool — runs one task through it,
// and tears the child down once an answer (or a timeout) arrives.
package bufferhandler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/nexuskernel/internal/agenthandler"
	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/librarian"
	"github.com/haasonsaas/nexuskernel/internal/llmpool"
	"github.com/haasonsaas/nexuskernel/internal/organism"
	"github.com/haasonsaas/nexuskernel/internal/pipeline"
)

const (
	defaultMaxConcurrency = 3
	defaultTimeout        = 120 * time.Second
	rootListenerName      = "coding-agent"
)

// ToolFactory builds a fresh pipeline.Handler instance for one named tool,
// scoped to a single child invocation (§4.11 step 3: "freshly instantiated
// tool handlers"). It is called once per Invoke, per name in Requires.
type ToolFactory func(name string) (pipeline.Handler, error)

// Config configures one BufferHandler. OrganismYAML describes the child
// pipeline's listeners/profiles; Requires names every tool listener the
// child organism expects a concrete handler for — checked against
// Factory at NewBufferHandler time, not at Invoke time (§4.11: "Unknown
// requires names are hard errors at setup, not at invocation").
type Config struct {
	OrganismYAML   []byte
	Requires       []string
	Factory        ToolFactory
	Pool           *llmpool.Pool
	Model          string
	System         string
	Tools          []llmpool.Tool
	DataDirRoot    string // parent directory ephemeral kernel dirs are created under
	MaxConcurrency int
	Timeout        time.Duration
	UseLibrarian   bool
}

func (c *Config) sanitized() Config {
	cfg := *c
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DataDirRoot == "" {
		cfg.DataDirRoot = os.TempDir()
	}
	return cfg
}

// BufferHandler is a callable-organism tool: Invoke runs task through a
// freshly constructed child pipeline and returns its first AgentResponse.
type BufferHandler struct {
	cfg     Config
	org     *organism.Organism
	permits chan struct{}
	log     *slog.Logger
}

// New validates Requires against cfg.Factory and parses the child organism
// document, failing fast on anything Invoke could not recover from later.
func New(cfg Config) (*BufferHandler, error) {
	sanitized := cfg.sanitized()

	org, _, err := organism.ParseYAML(sanitized.OrganismYAML)
	if err != nil {
		return nil, fmt.Errorf("bufferhandler: parse child organism: %w", err)
	}

	for _, name := range sanitized.Requires {
		if _, err := sanitized.Factory(name); err != nil {
			return nil, fmt.Errorf("bufferhandler: unknown required tool %q: %w", name, err)
		}
	}

	return &BufferHandler{
		cfg:     sanitized,
		org:     org,
		permits: make(chan struct{}, sanitized.MaxConcurrency),
		log:     slog.Default().With("component", "bufferhandler"),
	}, nil
}

// Invoke implements §4.11's fork+exec sequence end to end: acquire a
// concurrency permit, stand up an ephemeral child pipeline, inject task,
// wait for the first terminal reply or the per-invocation timeout, then
// tear everything down.
func (b *BufferHandler) Invoke(ctx context.Context, task string) (string, error) {
	select {
	case b.permits <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-b.permits }()

	dataDir, err := os.MkdirTemp(b.cfg.DataDirRoot, "nexuskernel-buffer-*")
	if err != nil {
		return "", fmt.Errorf("bufferhandler: create ephemeral kernel dir: %w", err)
	}
	defer os.RemoveAll(dataDir)

	k, err := kernel.Open(dataDir, kernel.WithLogger(b.log))
	if err != nil {
		return "", fmt.Errorf("bufferhandler: open child kernel: %w", err)
	}
	defer k.Close()

	builder := pipeline.NewBuilder(k, b.org).WithLLMPool(b.cfg.Pool).WithCodingAgent()

	for _, name := range b.cfg.Requires {
		h, err := b.cfg.Factory(name)
		if err != nil {
			return "", fmt.Errorf("bufferhandler: instantiate tool %q: %w", name, err)
		}
		builder = builder.WithHandler(name, h)
	}

	var lib *librarian.Librarian
	if b.cfg.UseLibrarian {
		lib = librarian.New(k, b.cfg.Pool, "")
		builder = builder.WithLibrarian(lib)
	}

	agentCfg := agenthandler.Config{
		Pool:   b.cfg.Pool,
		Model:  b.cfg.Model,
		System: b.cfg.System,
		Tools:  b.cfg.Tools,
	}
	if lib != nil {
		agentCfg.Librarian = lib
	}
	agent := agenthandler.New(agentCfg)
	builder = builder.WithHandler(rootListenerName, pipeline.NewAgentHandlerAdapter(agent))

	childPipeline, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("bufferhandler: build child pipeline: %w", err)
	}

	rootID, err := k.InitializeRoot(ctx, b.org.Name, "default")
	if err != nil {
		return "", fmt.Errorf("bufferhandler: initialize child root: %w", err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := childPipeline.Inject(invokeCtx, "default", "parent", rootListenerName, rootID, renderAgentTaskXML(task))
		done <- result{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("bufferhandler: child pipeline: %w", r.err)
		}
		return r.reply, nil
	case <-invokeCtx.Done():
		return "", fmt.Errorf("bufferhandler: child pipeline timed out after %s", b.cfg.Timeout)
	}
}

func renderAgentTaskXML(task string) string {
	return "<AgentTask><task>" + xmlEscape(task) + "</task></AgentTask>"
}
