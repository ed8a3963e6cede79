package orchestrator

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/consilience-ai/consilience/internal/convo"
)

// FormatContext renders a context view into the sectioned text the reasoning
// capabilities consume: rolling summary, raw recent messages with their domain
// tags, and the last few synthesized contributions.
func FormatContext(view convo.ContextView) string {
	var b strings.Builder

	if view.Summary.Text != "" {
		b.WriteString("=== PREVIOUS DISCUSSION (SUMMARIZED) ===\n")
		b.WriteString(view.Summary.Text)
		b.WriteString("\n\n")
	}

	if len(view.Recent) > 0 {
		b.WriteString("=== RECENT MESSAGES ===\n")
		for _, m := range view.Recent {
			b.WriteString(m.Speaker)
			b.WriteString(": ")
			b.WriteString(m.Text)
			if len(m.Domains) > 0 {
				b.WriteString(" [Domains: ")
				b.WriteString(strings.Join(m.Domains, ", "))
				b.WriteString("]")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(view.History) > 0 {
		b.WriteString("=== CONSILIENCE PREVIOUS CONTRIBUTIONS ===\n")
		b.WriteString(FormatHistory(view.History))
	}

	return strings.TrimRight(b.String(), "\n")
}

// FormatHistory renders the last five synthesized replies, truncated; full
// reply text would crowd out the conversation itself.
func FormatHistory(history []convo.SynthesizedNote) string {
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	lines := make([]string, 0, len(history))
	for _, note := range history {
		text := note.Text
		if len(text) > 100 {
			text = text[:100] + "..."
		}
		lines = append(lines, "["+note.Timestamp.Format("15:04:05")+"] "+text)
	}
	return strings.Join(lines, "\n")
}

// FormatRecent renders the raw buffer as speaker-prefixed lines for the
// detection capabilities.
func FormatRecent(recent []convo.EnrichedUtterance) string {
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		lines = append(lines, m.Speaker+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}

func decodeCandidate(raw []byte) *convo.CandidateResponse {
	var c convo.CandidateResponse
	if err := json.Unmarshal(raw, &c); err != nil {
		log.Printf("orchestrator: malformed queued candidate: %v", err)
		return nil
	}
	return &c
}
