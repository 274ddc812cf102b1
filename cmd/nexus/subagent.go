package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexuskernel/internal/bufferhandler"
	"github.com/haasonsaas/nexuskernel/internal/llmpool"
	"github.com/haasonsaas/nexuskernel/internal/pipeline"
)

const defaultSubagentTimeout = 180 * time.Second

// bufferHandlerBinding owns the Buffer Handler backing the root agent's
// "subagent" tool — a fork+exec of a whole child pipeline over the same
// organism document (§4.11).
type bufferHandlerBinding struct {
	bh *bufferhandler.BufferHandler
}

func newBufferHandlerBinding(doc *organismDoc, pool *llmpool.Pool, systemPrompt, model string, useLibrarian bool) (*bufferHandlerBinding, error) {
	bh, err := bufferhandler.New(bufferhandler.Config{
		OrganismYAML: doc.rawYAML,
		Pool:         pool,
		Model:        model,
		System:       systemPrompt,
		Timeout:      defaultSubagentTimeout,
		UseLibrarian: useLibrarian,
		Factory: func(name string) (pipeline.Handler, error) {
			return nil, fmt.Errorf("subagent: no tool handler registered for %q", name)
		},
	})
	if err != nil {
		return nil, err
	}
	return &bufferHandlerBinding{bh: bh}, nil
}

// subagentToolHandler adapts bufferHandlerBinding.Invoke to pipeline.Handler
// so it can be registered against the "subagent" listener like any other
// tool peer.
type subagentToolHandler struct {
	binding *bufferHandlerBinding
}

type subagentRequestXML struct {
	Task string `xml:"task"`
}

func (h subagentToolHandler) Handle(ctx context.Context, threadID, payloadXML string) (*pipeline.HandleOutcome, error) {
	var req subagentRequestXML
	task := payloadXML
	if err := xml.Unmarshal([]byte(payloadXML), &req); err == nil && strings.TrimSpace(req.Task) != "" {
		task = req.Task
	}

	reply, err := h.binding.bh.Invoke(ctx, task)
	if err != nil {
		return &pipeline.HandleOutcome{Reply: toolErrorXML(err.Error())}, nil
	}
	return &pipeline.HandleOutcome{Reply: toolResultXML(reply)}, nil
}

func subagentTool() llmpool.Tool {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task to hand off to a fresh child agent.",
			},
		},
		"required": []string{"task"},
	})
	return llmpool.Tool{
		Name:        "subagent",
		Description: "Delegate a bounded sub-task to a freshly spawned child agent and return its answer.",
		InputSchema: schema,
	}
}

func toolResultXML(text string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(text))
	return fmt.Sprintf("<ToolResponse><success>true</success><result>%s</result></ToolResponse>", buf.String())
}

func toolErrorXML(text string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(text))
	return fmt.Sprintf("<ToolResponse><success>false</success><error>%s</error></ToolResponse>", buf.String())
}
