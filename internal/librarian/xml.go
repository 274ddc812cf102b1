package librarian

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/llmpool"
)

const curationSystemPrompt = `You are the librarian for a coding agent's context store. You receive an
inventory of context segments (metadata only, never bodies) plus the
messages about to be sent to the agent and a token budget. Decide which
segments should be paged in, paged out, folded, or unfolded so the
working set fits the budget while keeping the most relevant material
active. Respond with exactly one <CurationDecision> XML block and
nothing else.`

const scoringSystemPrompt = `You are scoring how relevant each context segment is to the given query,
on a scale from 0.0 (irrelevant) to 1.0 (essential). Respond with exactly
one <Scores> XML block containing one <score id="..." value=".../> per
segment and nothing else.`

// buildCurationPrompt renders the inventory, incoming messages, and
// budget into the XML curation request described in §4.9 step 3.
func buildCurationPrompt(inventory []kernel.SegmentInventoryItem, incoming []llmpool.Message, tokenBudget int) string {
	var sb strings.Builder
	sb.WriteString("<CurationRequest>\n  <inventory>\n")
	for _, it := range inventory {
		fmt.Fprintf(&sb, "    <segment id=%q tag=%q status=%q relevance=%q size_bytes=%q/>\n",
			it.ID, it.Tag, statusName(it.Status), strconv.FormatFloat(float64(it.Relevance), 'f', 3, 32), strconv.Itoa(it.SizeBytes))
	}
	sb.WriteString("  </inventory>\n  <incoming_messages>\n")
	for _, m := range incoming {
		fmt.Fprintf(&sb, "    <message role=%q>%s</message>\n", string(m.Role), xmlEscape(messageText(m)))
	}
	fmt.Fprintf(&sb, "  </incoming_messages>\n  <token_budget>%d</token_budget>\n</CurationRequest>\n", tokenBudget)
	return sb.String()
}

func buildScoringPrompt(inventory []kernel.SegmentInventoryItem, query string) string {
	var sb strings.Builder
	sb.WriteString("<ScoringRequest>\n  <query>")
	sb.WriteString(xmlEscape(query))
	sb.WriteString("</query>\n  <inventory>\n")
	for _, it := range inventory {
		fmt.Fprintf(&sb, "    <segment id=%q tag=%q/>\n", it.ID, it.Tag)
	}
	sb.WriteString("  </inventory>\n</ScoringRequest>\n")
	return sb.String()
}

func messageText(m llmpool.Message) string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind == llmpool.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func statusName(s kernel.SegmentStatus) string {
	switch s {
	case kernel.StatusActive:
		return "active"
	case kernel.StatusShelved:
		return "shelved"
	case kernel.StatusFolded:
		return "folded"
	default:
		return "unknown"
	}
}

func xmlEscape(s string) string {
	var buf strings.Builder
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}

// curationDecisionXML is the permissive decode target for a
// <CurationDecision> response: missing sections decode to nil slices,
// which §4.9/§9 treat as empty lists, not errors.
type curationDecisionXML struct {
	XMLName xml.Name `xml:"CurationDecision"`
	PageIn  struct {
		IDs []string `xml:"id"`
	} `xml:"page_in"`
	PageOut struct {
		IDs []string `xml:"id"`
	} `xml:"page_out"`
	Fold struct {
		Segments []foldSegmentXML `xml:"segment"`
	} `xml:"fold"`
	Unfold struct {
		IDs []string `xml:"id"`
	} `xml:"unfold"`
}

type foldSegmentXML struct {
	ID      string `xml:"id,attr"`
	Summary string `xml:",chardata"`
}

// curationDecision is the parsed, ergonomic form handed to Curate.
type curationDecision struct {
	PageIn  []string
	PageOut []string
	Fold    []foldInstruction
	Unfold  []string
}

type foldInstruction struct {
	ID      string
	Summary string
}

// parseCurationDecision extracts the first <CurationDecision> block from
// raw (which may contain surrounding prose the model wasn't supposed to
// emit) and decodes it permissively. Returns ok=false only when no
// <CurationDecision...>...</CurationDecision> substring is found at all —
// per §9's open question, that case is a silent no-op, not an error.
func parseCurationDecision(raw string) (curationDecision, bool) {
	block, ok := extractXMLBlock(raw, "CurationDecision")
	if !ok {
		return curationDecision{}, false
	}
	var decoded curationDecisionXML
	if err := xml.Unmarshal([]byte(block), &decoded); err != nil {
		return curationDecision{}, false
	}
	out := curationDecision{
		PageIn:  decoded.PageIn.IDs,
		PageOut: decoded.PageOut.IDs,
		Unfold:  decoded.Unfold.IDs,
	}
	for _, s := range decoded.Fold.Segments {
		out.Fold = append(out.Fold, foldInstruction{ID: s.ID, Summary: strings.TrimSpace(s.Summary)})
	}
	return out, true
}

// extractXMLBlock returns the substring of raw spanning the first
// <tag...>...</tag>, inclusive, or ok=false if no such block is present.
func extractXMLBlock(raw, tag string) (string, bool) {
	open := "<" + tag
	start := strings.Index(raw, open)
	if start < 0 {
		return "", false
	}
	closeTag := "</" + tag + ">"
	end := strings.Index(raw[start:], closeTag)
	if end < 0 {
		return "", false
	}
	return raw[start : start+end+len(closeTag)], true
}

type scoresXML struct {
	XMLName xml.Name   `xml:"Scores"`
	Scores  []scoreXML `xml:"score"`
}

type scoreXML struct {
	ID    string `xml:"id,attr"`
	Value string `xml:"value,attr"`
}

// parseScores extracts <score id=... value=.../> pairs, tolerating
// unparseable values by skipping them (never failing the whole batch).
func parseScores(raw string) map[string]float32 {
	block, ok := extractXMLBlock(raw, "Scores")
	if !ok {
		return nil
	}
	var decoded scoresXML
	if err := xml.Unmarshal([]byte(block), &decoded); err != nil {
		return nil
	}
	out := make(map[string]float32, len(decoded.Scores))
	for _, s := range decoded.Scores {
		v, err := strconv.ParseFloat(s.Value, 32)
		if err != nil {
			continue
		}
		out[s.ID] = float32(v)
	}
	return out
}
