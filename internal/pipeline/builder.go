package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/librarian"
	"github.com/haasonsaas/nexuskernel/internal/llmpool"
	"github.com/haasonsaas/nexuskernel/internal/organism"
)

// Builder constructs a Pipeline, registering concrete handlers keyed to
// listener names and validating cross-dependencies at build time rather
// than deferring failure to the first request (§4.7 "Missing dependencies
// are rejected at build time, e.g. librarian requires LLM pool").
type Builder struct {
	k   *kernel.Kernel
	org *organism.Organism

	handlers map[string]Handler
	pool     *llmpool.Pool
	lib      *librarian.Librarian
	portMgr  *organism.PortManager
	log      *slog.Logger

	wantLibrarian bool
	wantCodeIndex bool
	wantCoding    bool
	wantWasm      bool
}

// NewBuilder starts a Builder bound to k and the already-loaded organism.
func NewBuilder(k *kernel.Kernel, org *organism.Organism) *Builder {
	return &Builder{
		k:        k,
		org:      org,
		handlers: make(map[string]Handler),
		log:      slog.Default().With("component", "pipeline"),
	}
}

// WithHandler registers a concrete Handler for listener name.
func (b *Builder) WithHandler(name string, h Handler) *Builder {
	b.handlers[name] = h
	return b
}

// WithLLMPool installs the shared model resolver (§4.8). Required by
// WithLibrarian and any agent listener.
func (b *Builder) WithLLMPool(pool *llmpool.Pool) *Builder {
	b.pool = pool
	return b
}

// WithLibrarian installs curation (§4.9). Marks the dependency so Build
// can reject a missing LLM pool.
func (b *Builder) WithLibrarian(lib *librarian.Librarian) *Builder {
	b.lib = lib
	b.wantLibrarian = true
	return b
}

// WithCodeIndex marks that a code-index-backed handler was registered,
// so Build can validate its own prerequisites the same way.
func (b *Builder) WithCodeIndex() *Builder {
	b.wantCodeIndex = true
	return b
}

// WithCodingAgent marks that a coding-agent listener (an agenthandler.
// Handler wired through WithHandler) depends on the LLM pool.
func (b *Builder) WithCodingAgent() *Builder {
	b.wantCoding = true
	return b
}

// WithWasmTools marks that at least one registered handler runs WASM tool
// bodies — validated here only for symmetry with the other With* calls;
// the actual runtime lives in whichever Handler implementation is passed
// to WithHandler.
func (b *Builder) WithWasmTools() *Builder {
	b.wantWasm = true
	return b
}

// WithPortManager installs the port/firewall validator (§4.12). Build
// runs its Validate pass against org before returning a usable Pipeline.
func (b *Builder) WithPortManager(pm *organism.PortManager) *Builder {
	b.portMgr = pm
	return b
}

// Build validates cross-dependencies and returns a ready Pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if (b.wantLibrarian || b.wantCoding || b.wantCodeIndex) && b.pool == nil {
		return nil, fmt.Errorf("pipeline: librarian/coding-agent/code-index require WithLLMPool")
	}
	if b.portMgr != nil {
		if err := b.portMgr.Validate(b.org); err != nil {
			return nil, fmt.Errorf("pipeline: port validation: %w", err)
		}
	}
	resolver, err := organism.NewSecurityResolver(b.org)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build security resolver: %w", err)
	}
	for name := range b.handlers {
		if _, ok := b.org.Listener(name); !ok {
			return nil, fmt.Errorf("pipeline: handler registered for unknown listener %q", name)
		}
	}

	return &Pipeline{
		kernel:   b.k,
		resolver: resolver,
		handlers: b.handlers,
		bus:      NewEventBus(),
		log:      b.log,
		pool:     b.pool,
		portMgr:  b.portMgr,
	}, nil
}
