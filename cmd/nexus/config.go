package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/haasonsaas/nexuskernel/internal/agenthandler"
	"github.com/haasonsaas/nexuskernel/internal/audit"
	"github.com/haasonsaas/nexuskernel/internal/config"
	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/librarian"
	"github.com/haasonsaas/nexuskernel/internal/llmpool"
	"github.com/haasonsaas/nexuskernel/internal/observability"
	"github.com/haasonsaas/nexuskernel/internal/organism"
	"github.com/haasonsaas/nexuskernel/internal/pipeline"
	"github.com/haasonsaas/nexuskernel/internal/storage"
	"github.com/haasonsaas/nexuskernel/internal/toolcatalog"
)

// organismDoc bundles the parsed organism alongside the raw YAML bytes it
// came from, since the Buffer Handler needs the raw document to parse its
// own child organism independently (§4.11) rather than a live *Organism.
type organismDoc struct {
	org     *organism.Organism
	prompts map[string]string
	rawYAML []byte
}

const (
	defaultModelAlias  = "default"
	defaultMaxTokens   = 4096
	defaultTokenBudget = 8000
	rootListenerName   = "coding-agent"
)

// loadConfig layers compiled-in defaults, the YAML file at configPath (if
// any), NEXUSKERNEL_* environment variables, and finally flagOverrides —
// the precedence §4.14 requires.
func loadConfig(configPath string, flagOverrides config.FlagOverrides) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyFlagOverrides(cfg, flagOverrides)
	return cfg, nil
}

// buildLLMPool registers whichever provider drivers have credentials
// configured. At least one of cfg.LLM.Anthropic/OpenAI must carry an
// APIKey; the first one found is also bound to defaultModelAlias so
// callers that don't care about multi-provider routing can pass
// defaultModelAlias as their model.
func buildLLMPool(cfg *config.Config) (*llmpool.Pool, error) {
	pool := llmpool.New()
	registered := false

	if cfg.LLM.Anthropic.APIKey != "" {
		driver, err := llmpool.NewAnthropicDriver(llmpool.AnthropicConfig{APIKey: cfg.LLM.Anthropic.APIKey})
		if err != nil {
			return nil, fmt.Errorf("llm pool: anthropic driver: %w", err)
		}
		pool.RegisterDriver(driver)
		pool.RegisterAlias("anthropic", "anthropic", cfg.LLM.Anthropic.Model)
		if !registered {
			pool.RegisterAlias(defaultModelAlias, "anthropic", cfg.LLM.Anthropic.Model)
			registered = true
		}
	}

	if cfg.LLM.OpenAI.APIKey != "" {
		driver, err := llmpool.NewOpenAIDriver(cfg.LLM.OpenAI.APIKey)
		if err != nil {
			return nil, fmt.Errorf("llm pool: openai driver: %w", err)
		}
		pool.RegisterDriver(driver)
		pool.RegisterAlias("openai", "openai", cfg.LLM.OpenAI.Model)
		if !registered {
			pool.RegisterAlias(defaultModelAlias, "openai", cfg.LLM.OpenAI.Model)
			registered = true
		}
	}

	if !registered {
		return nil, fmt.Errorf("llm pool: set an anthropic or openai api key (config file, NEXUSKERNEL_LLM_*_API_KEY, or ANTHROPIC_API_KEY/OPENAI_API_KEY)")
	}
	return pool, nil
}

// buildAuditLogger returns the best-effort secondary journal sink (§4.13),
// disabled unless cfg.Audit.Enabled is set.
func buildAuditLogger(cfg *config.Config) (*audit.Logger, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	acfg := audit.DefaultConfig()
	acfg.Enabled = true
	if cfg.Audit.Path != "" {
		acfg.Output = "file:" + cfg.Audit.Path
	}
	return audit.NewLogger(acfg)
}

// buildDurableMirror opens the external store mirror (§4.20) configured by
// cfg.Mirror, if any. A nil, nil return means mirroring is disabled.
func buildDurableMirror(cfg *config.Config) (kernel.DurableMirror, error) {
	mirror, err := storage.Open(cfg.Mirror.Driver, cfg.Mirror.DSN)
	if err != nil {
		return nil, fmt.Errorf("durable mirror: %w", err)
	}
	return mirror, nil
}

// loadOrganism reads and validates the organism document at path, running
// the port/firewall conflict check alongside the usual listener/profile
// validation (§4.12).
func loadOrganism(path string) (*organismDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("organism: read %s: %w", path, err)
	}
	org, prompts, err := organism.ParseYAML(raw)
	if err != nil {
		return nil, err
	}
	if err := organism.NewPortManager().Validate(org); err != nil {
		return nil, fmt.Errorf("organism: port validation: %w", err)
	}
	return &organismDoc{org: org, prompts: prompts, rawYAML: raw}, nil
}

// buildMetrics registers the process-wide Prometheus instrumentation
// (§4.17) used by the kernel, tool catalog, and journal sweeper.
func buildMetrics() *observability.Metrics {
	return observability.NewMetrics()
}

// buildEventRecorder builds an in-memory event timeline recorder (§4.17)
// alongside the store backing it, so callers that expose a "nexus events"
// HTTP endpoint (see "serve --metrics-addr") can query it directly.
func buildEventRecorder() (*observability.EventRecorder, *observability.MemoryEventStore) {
	store := observability.NewMemoryEventStore(10000)
	return observability.NewEventRecorder(store, nil), store
}

// buildPipeline wires kernel + organism + llmpool + librarian into a
// Pipeline with a single root "coding-agent" listener and, when the
// organism declares a "subagent" listener, a Buffer Handler behind it so
// the agent can fork child tasks to themselves recursively (§4.11).
func buildPipeline(k *kernel.Kernel, doc *organismDoc, pool *llmpool.Pool, systemPrompt, model string, useLibrarian bool, metrics *observability.Metrics) (*pipeline.Pipeline, error) {
	builder := pipeline.NewBuilder(k, doc.org).WithLLMPool(pool).WithCodingAgent().WithPortManager(organism.NewPortManager())

	var lib *librarian.Librarian
	if useLibrarian {
		lib = librarian.New(k, pool, model)
		builder = builder.WithLibrarian(lib)
	}

	agentCfg := agenthandler.Config{
		Pool:      pool,
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    systemPrompt,
	}
	if lib != nil {
		agentCfg.Librarian = lib
		agentCfg.LibrarianTokenBudget = defaultTokenBudget
	}

	if routingTable := organism.NewRoutingTable(doc.org); routingTable != nil {
		agentCfg.Router = routingTable
		for name := range doc.org.Listeners() {
			if name == rootListenerName {
				continue
			}
			agentCfg.AllowedTools = append(agentCfg.AllowedTools, name)
		}
	}

	if _, ok := doc.org.Listener("subagent"); ok {
		binding, err := newBufferHandlerBinding(doc, pool, systemPrompt, model, useLibrarian)
		if err != nil {
			return nil, fmt.Errorf("subagent handler: %w", err)
		}
		agentCfg.Tools = append(agentCfg.Tools, subagentTool())
		builder = builder.WithHandler("subagent", subagentToolHandler{binding})
	}

	if len(agentCfg.Tools) > 0 {
		catalog, err := toolcatalog.New(agentCfg.Tools)
		if err != nil {
			return nil, fmt.Errorf("tool catalog: %w", err)
		}
		if metrics != nil {
			catalog.WithMetrics(metrics)
		}
		agentCfg.ToolCatalog = catalog
	}

	builder = builder.WithHandler(rootListenerName, pipeline.NewAgentHandlerAdapter(agenthandler.New(agentCfg)))

	return builder.Build()
}

func newLogger(component string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", component)
}

func logEvents(sub *pipeline.Subscription, log *slog.Logger) {
	for ev := range sub.Events() {
		log.Info("pipeline event",
			"kind", ev.Kind,
			"thread", ev.ThreadID,
			"from", ev.From,
			"to", ev.To,
		)
	}
}
