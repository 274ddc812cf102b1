package llmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownAlias is returned when a model alias resolves to nothing
// registered in the pool.
var ErrUnknownAlias = errors.New("llmpool: unknown model alias")

// Driver is the narrow contract a provider backend must satisfy. Pool
// resolves an alias to (driver, concrete model id) and delegates; drivers
// never see alias names, only already-resolved model ids.
type Driver interface {
	// Name identifies the driver for logging/metrics, e.g. "anthropic".
	Name() string

	// Complete sends a plain completion request.
	Complete(ctx context.Context, modelID string, system string, messages []Message, maxTokens int) (*MessagesResponse, error)

	// CompleteWithTools sends a tool-enabled completion request.
	CompleteWithTools(ctx context.Context, modelID, system string, messages []Message, maxTokens int, tools []Tool) (*MessagesResponse, error)
}

// aliasTarget is what a model alias resolves to: a driver name plus the
// concrete model id that driver should be called with.
type aliasTarget struct {
	driver  string
	modelID string
}

// Pool is the multi-provider model resolver (§4.8). It owns no network
// state itself — each registered Driver owns its own client — only the
// alias table and the driver registry, both protected by one mutex since
// ApplyAliases/RegisterDriver may be called from a hot-reload path
// concurrently with in-flight completions.
type Pool struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	aliases map[string]aliasTarget
}

// New returns an empty pool. Register drivers with RegisterDriver and
// aliases with RegisterAlias (or ApplyAliases for a bulk load) before
// issuing completions.
func New() *Pool {
	return &Pool{
		drivers: make(map[string]Driver),
		aliases: make(map[string]aliasTarget),
	}
}

// RegisterDriver adds or replaces a provider driver.
func (p *Pool) RegisterDriver(d Driver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drivers[d.Name()] = d
}

// RegisterAlias maps alias to a (driverName, modelID) pair. A "full id"
// resolution is just an alias mapping to itself — callers that pass a
// fully-qualified id with no matching alias fall through to
// defaultDriver, if one registered itself as such via RegisterAlias("",
// ...) is not supported; instead Complete treats an unresolved alias that
// names a known driver's model format as a direct passthrough to the sole
// registered driver when exactly one is registered (see resolve).
func (p *Pool) RegisterAlias(alias, driverName, modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aliases[alias] = aliasTarget{driver: driverName, modelID: modelID}
}

// ApplyAliases bulk-loads an alias table, e.g. parsed from organism YAML's
// `prompts`/model config section.
func (p *Pool) ApplyAliases(table map[string]struct {
	Driver  string
	ModelID string
}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for alias, t := range table {
		p.aliases[alias] = aliasTarget{driver: t.Driver, modelID: t.ModelID}
	}
}

func (p *Pool) resolve(modelAlias string) (Driver, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if t, ok := p.aliases[modelAlias]; ok {
		d, ok := p.drivers[t.driver]
		if !ok {
			return nil, "", fmt.Errorf("llmpool: alias %q names unregistered driver %q", modelAlias, t.driver)
		}
		return d, t.modelID, nil
	}
	// Full-id passthrough: a caller that already knows a concrete model id
	// (not an alias) is routed to the sole registered driver, mirroring
	// spec §4.8's "resolved via config or full id" clause.
	if len(p.drivers) == 1 {
		for _, d := range p.drivers {
			return d, modelAlias, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownAlias, modelAlias)
}

// Complete resolves modelAlias (empty means "the pool's only driver, if
// there is exactly one") and issues a plain completion.
func (p *Pool) Complete(ctx context.Context, modelAlias string, messages []Message, maxTokens int, system string) (*MessagesResponse, error) {
	d, modelID, err := p.resolve(modelAlias)
	if err != nil {
		return nil, err
	}
	return d.Complete(ctx, modelID, system, messages, maxTokens)
}

// CompleteWithTools is Complete's tool-enabled variant.
func (p *Pool) CompleteWithTools(ctx context.Context, modelAlias string, messages []Message, maxTokens int, system string, tools []Tool) (*MessagesResponse, error) {
	d, modelID, err := p.resolve(modelAlias)
	if err != nil {
		return nil, err
	}
	return d.CompleteWithTools(ctx, modelID, system, messages, maxTokens, tools)
}
