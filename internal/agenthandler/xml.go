package agenthandler

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/nexuskernel/internal/llmpool"
)

// incomingKind discriminates the two message-discipline paths spec §4.10
// defines: a tool response continuing an AwaitingTools thread, or
// anything else, which starts (or continues) the new-task path.
type incomingKind int

const (
	kindNewTask incomingKind = iota
	kindToolResponse
)

// classifyIncoming inspects payloadXML's root tag to choose the path.
func classifyIncoming(payloadXML string) incomingKind {
	tag := rootTag(payloadXML)
	if tag == "ToolResponse" {
		return kindToolResponse
	}
	return kindNewTask
}

func rootTag(raw string) string {
	dec := xml.NewDecoder(strings.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}

// agentTaskXML decodes <AgentTask><task>...</task></AgentTask> and its
// fallback shapes.
type agentTaskXML struct {
	Task    string `xml:"task"`
	Content string `xml:"content"`
}

// extractTask implements §4.10's "extract <task> (or <content>, or the
// raw XML as a fallback)".
func extractTask(payloadXML string) string {
	var decoded agentTaskXML
	if err := xml.Unmarshal([]byte(payloadXML), &decoded); err == nil {
		if strings.TrimSpace(decoded.Task) != "" {
			return decoded.Task
		}
		if strings.TrimSpace(decoded.Content) != "" {
			return decoded.Content
		}
	}
	return payloadXML
}

// toolResponseXML decodes <ToolResponse><success>..</success><result>..
// </result></ToolResponse> (the success path) as well as an error-shaped
// response.
type toolResponseXML struct {
	Success *bool  `xml:"success"`
	Result  string `xml:"result"`
	Error   string `xml:"error"`
}

// parseToolResponse returns (content, isError) per §4.10 step 1 of the
// tool-response path.
func parseToolResponse(payloadXML string) (content string, isError bool) {
	var decoded toolResponseXML
	if err := xml.Unmarshal([]byte(payloadXML), &decoded); err != nil {
		return payloadXML, true
	}
	if decoded.Error != "" {
		return decoded.Error, true
	}
	if decoded.Success != nil && !*decoded.Success {
		return decoded.Result, true
	}
	return decoded.Result, false
}

// renderToolCallXML translates a ToolUse block's JSON input into the XML
// message addressed to the tool peer (§4.10, §6's WIT-derived root tag:
// PascalCase(interface) + "Request"). Top-level JSON object keys become
// child elements; non-object inputs fall back to a single <input> element
// carrying the raw JSON text so nothing is silently dropped.
func renderToolCallXML(toolName string, inputJSON json.RawMessage) string {
	root := pascalCase(toolName) + "Request"
	var fields map[string]any
	if err := json.Unmarshal(inputJSON, &fields); err != nil || fields == nil {
		var buf strings.Builder
		_ = xml.EscapeText(&buf, inputJSON)
		return fmt.Sprintf("<%s><input>%s</input></%s>", root, buf.String(), root)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "<%s>", root)
	for _, k := range keys {
		fmt.Fprintf(&sb, "<%s>%s</%s>", k, escapeXMLValue(fields[k]), k)
	}
	fmt.Fprintf(&sb, "</%s>", root)
	return sb.String()
}

func escapeXMLValue(v any) string {
	var text string
	switch t := v.(type) {
	case string:
		text = t
	default:
		raw, _ := json.Marshal(v)
		text = string(raw)
	}
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(text))
	return buf.String()
}

func pascalCase(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' })
	var sb strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(p[:1]))
		sb.WriteString(p[1:])
	}
	return sb.String()
}

// renderAgentResponse builds the final `<AgentResponse><result>...
// </result></AgentResponse>` reply.
func renderAgentResponse(text string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(text))
	return fmt.Sprintf("<AgentResponse><result>%s</result></AgentResponse>", buf.String())
}

// renderAgentError builds the `<AgentResponse><error>...</error>
// </AgentResponse>` reply used on LLM failure and unexpected tool
// responses (§4.10 failure semantics).
func renderAgentError(text string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(text))
	return fmt.Sprintf("<AgentResponse><error>%s</error></AgentResponse>", buf.String())
}

// messagesToLLM converts AgentThread.Messages plus the pending collected
// tool results into the llmpool.Message slice for the next completion —
// identity passthrough today, kept as a named seam so future
// summarization/pruning can hook in without touching handler.go.
func messagesToLLM(messages []llmpool.Message) []llmpool.Message {
	return messages
}
