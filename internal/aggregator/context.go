// Package aggregator maintains per-session rolling conversational state:
// enriched recent buffer, wholesale-replaced summary and topics, synthesized
// history, and derived silence.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/consilience-ai/consilience/internal/brain"
	"github.com/consilience-ai/consilience/internal/convo"
)

// Options are the aggregation policy knobs.
type Options struct {
	SilenceThreshold   time.Duration
	BufferWindow       time.Duration
	TopicEveryMessages int
	TopicEveryInterval time.Duration
}

// ConversationContext is one session's conversational state. It is owned by a
// single aggregator loop and never shared by pointer; other components read it
// through bus snapshots.
type ConversationContext struct {
	sessionID string
	opts      Options
	brain     brain.Client

	summary convo.Summary
	buffer  []convo.EnrichedUtterance
	history []convo.SynthesizedNote
	topics  convo.Topics

	lastUtteranceAt time.Time
	msgsSinceTopic  int
	lastTopicAt     time.Time
}

func NewConversationContext(sessionID string, client brain.Client, opts Options) *ConversationContext {
	now := time.Now().UTC()
	return &ConversationContext{
		sessionID:       sessionID,
		opts:            opts,
		brain:           client,
		lastUtteranceAt: now,
		lastTopicAt:     now,
	}
}

// Ingest enriches a human utterance and appends it to the recent buffer.
// Keyword extraction failures degrade to the longest-words heuristic.
func (c *ConversationContext) Ingest(ctx context.Context, utt convo.Utterance) convo.EnrichedUtterance {
	enriched := c.enrich(ctx, utt)
	c.buffer = append(c.buffer, enriched)
	c.msgsSinceTopic++
	c.lastUtteranceAt = time.Now().UTC()
	return enriched
}

// RecordSynthesized appends one of Consilience's own replies to the
// synthesized history and to the recent buffer, so later context includes it.
// It is never routed through trigger detection; callers rely on the origin tag.
func (c *ConversationContext) RecordSynthesized(ctx context.Context, utt convo.Utterance, kind convo.TriggerKind, domains []string, issue string) {
	c.history = append(c.history, convo.SynthesizedNote{
		Seq:              utt.Seq,
		Text:             utt.Text,
		Timestamp:        utt.Timestamp,
		TriggerKind:      string(kind),
		Domains:          domains,
		IssueDescription: issue,
	})
	c.buffer = append(c.buffer, c.enrich(ctx, utt))
	c.msgsSinceTopic++
	c.lastUtteranceAt = time.Now().UTC()
}

func (c *ConversationContext) enrich(ctx context.Context, utt convo.Utterance) convo.EnrichedUtterance {
	keywords, err := c.brain.ExtractKeywords(ctx, utt.Text)
	if err != nil {
		log.Printf("aggregator: keyword extraction failed for %s seq=%d: %v", c.sessionID, utt.Seq, err)
		keywords = brain.FallbackKeywords(utt.Text, 5)
	}
	return convo.EnrichedUtterance{
		Utterance:  utt,
		Keywords:   keywords,
		BufferedAt: time.Now().UTC(),
	}
}

// ShouldInferTopics reports whether a topic inference cycle is due: message
// count or elapsed time, whichever threshold trips first, buffer non-empty.
func (c *ConversationContext) ShouldInferTopics() bool {
	if len(c.buffer) == 0 {
		return false
	}
	return c.msgsSinceTopic >= c.opts.TopicEveryMessages ||
		time.Since(c.lastTopicAt) >= c.opts.TopicEveryInterval
}

// InferTopics replaces topics wholesale and back-tags buffered utterances
// that have no domains yet (first inference wins; tagged once, never again).
// On failure prior topics stay untouched.
func (c *ConversationContext) InferTopics(ctx context.Context) error {
	lines := make([]string, 0, 10)
	start := 0
	if len(c.buffer) > 10 {
		start = len(c.buffer) - 10
	}
	for _, m := range c.buffer[start:] {
		lines = append(lines, m.Speaker+": "+m.Text)
	}

	topics, err := c.brain.InferTopics(ctx, lines)
	if err != nil {
		return fmt.Errorf("infer topics: %w", err)
	}
	c.topics = topics
	for i := range c.buffer {
		if len(c.buffer[i].Domains) == 0 {
			c.buffer[i].Domains = topics.ActiveDomains
			c.buffer[i].DomainConfidence = topics.Confidence
		}
	}
	c.msgsSinceTopic = 0
	c.lastTopicAt = time.Now().UTC()
	return nil
}

// ShouldSummarize reports whether the oldest buffered utterance has waited
// long enough. Message count deliberately plays no role: the point is bounded
// context latency, not bounded buffer size.
func (c *ConversationContext) ShouldSummarize() bool {
	if len(c.buffer) == 0 {
		return false
	}
	return time.Since(c.buffer[0].BufferedAt) >= c.opts.BufferWindow
}

// Summarize folds the buffer into the rolling summary and clears it. On
// failure the buffer is retained so the next tick retries with the same
// inputs (at-least-once, idempotent to repeat).
func (c *ConversationContext) Summarize(ctx context.Context) (convo.SummaryRecord, error) {
	lines := make([]string, 0, len(c.buffer))
	for _, m := range c.buffer {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format(time.RFC3339), m.Speaker, m.Text))
	}

	text, err := c.brain.Summarize(ctx, c.summary.Text, lines)
	if err != nil {
		return convo.SummaryRecord{}, fmt.Errorf("summarize: %w", err)
	}

	first := c.buffer[0]
	last := c.buffer[len(c.buffer)-1]
	coversStart := c.summary.CoversStart
	timeStart := c.summary.TimeStart
	if c.summary.MessageCount == 0 {
		coversStart = first.Seq
		timeStart = first.Timestamp
	}
	c.summary = convo.Summary{
		Text:         text,
		CoversStart:  coversStart,
		CoversEnd:    last.Seq,
		MessageCount: c.summary.MessageCount + len(c.buffer),
		TimeStart:    timeStart,
		TimeEnd:      last.Timestamp,
		LastUpdated:  time.Now().UTC(),
	}
	c.buffer = c.buffer[:0]

	return convo.SummaryRecord{
		SessionID:    c.sessionID,
		Text:         c.summary.Text,
		CoversStart:  c.summary.CoversStart,
		CoversEnd:    c.summary.CoversEnd,
		MessageCount: c.summary.MessageCount,
		TimeStart:    c.summary.TimeStart,
		TimeEnd:      c.summary.TimeEnd,
		Domains:      append([]string(nil), c.topics.ActiveDomains...),
	}, nil
}

// IsSilent reports whether the silence threshold has elapsed.
func (c *ConversationContext) IsSilent() bool {
	return time.Since(c.lastUtteranceAt) > c.opts.SilenceThreshold
}

// TimeSinceLast returns the elapsed time since the last utterance.
func (c *ConversationContext) TimeSinceLast() time.Duration {
	return time.Since(c.lastUtteranceAt)
}

// View returns an immutable copy of the conversational state.
func (c *ConversationContext) View() convo.ContextView {
	recent := make([]convo.EnrichedUtterance, len(c.buffer))
	copy(recent, c.buffer)
	history := make([]convo.SynthesizedNote, len(c.history))
	copy(history, c.history)
	topics := c.topics
	topics.ActiveDomains = append([]string(nil), c.topics.ActiveDomains...)
	topics.Keywords = append([]string(nil), c.topics.Keywords...)
	return convo.ContextView{
		SessionID: c.sessionID,
		Summary:   c.summary,
		Recent:    recent,
		History:   history,
		Topics:    topics,
	}
}

// Snapshot returns the short-lived derived state for the scheduler.
func (c *ConversationContext) Snapshot() convo.StateSnapshot {
	return convo.StateSnapshot{
		SessionID:        c.sessionID,
		Silent:           c.IsSilent(),
		SecondsSinceLast: c.TimeSinceLast().Seconds(),
		LastUtteranceAt:  c.lastUtteranceAt,
		ActiveDomains:    append([]string(nil), c.topics.ActiveDomains...),
		Keywords:         append([]string(nil), c.topics.Keywords...),
	}
}

// persistedState is the bus serialization of a ConversationContext.
type persistedState struct {
	SessionID       string                    `json:"session_id"`
	Summary         convo.Summary             `json:"summary"`
	Buffer          []convo.EnrichedUtterance `json:"buffer"`
	History         []convo.SynthesizedNote   `json:"history"`
	Topics          convo.Topics              `json:"topics"`
	LastUtteranceAt time.Time                 `json:"last_utterance_at"`
	MsgsSinceTopic  int                       `json:"msgs_since_topic"`
	LastTopicAt     time.Time                 `json:"last_topic_at"`
}

// MarshalState serializes the context for the bus state blob.
func (c *ConversationContext) MarshalState() ([]byte, error) {
	return json.Marshal(persistedState{
		SessionID:       c.sessionID,
		Summary:         c.summary,
		Buffer:          c.buffer,
		History:         c.history,
		Topics:          c.topics,
		LastUtteranceAt: c.lastUtteranceAt,
		MsgsSinceTopic:  c.msgsSinceTopic,
		LastTopicAt:     c.lastTopicAt,
	})
}

// DecodeView reads a bus state blob into an immutable context view, for
// components that consume the aggregator's state without owning it.
func DecodeView(data []byte) (convo.ContextView, error) {
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return convo.ContextView{}, fmt.Errorf("decode context state: %w", err)
	}
	return convo.ContextView{
		SessionID: st.SessionID,
		Summary:   st.Summary,
		Recent:    st.Buffer,
		History:   st.History,
		Topics:    st.Topics,
	}, nil
}

// RestoreState rebuilds a context from a bus state blob, so a restarted
// aggregator resumes mid-session.
func RestoreState(data []byte, client brain.Client, opts Options) (*ConversationContext, error) {
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("restore context state: %w", err)
	}
	c := NewConversationContext(st.SessionID, client, opts)
	c.summary = st.Summary
	c.buffer = st.Buffer
	c.history = st.History
	c.topics = st.Topics
	if !st.LastUtteranceAt.IsZero() {
		c.lastUtteranceAt = st.LastUtteranceAt
	}
	c.msgsSinceTopic = st.MsgsSinceTopic
	if !st.LastTopicAt.IsZero() {
		c.lastTopicAt = st.LastTopicAt
	}
	return c, nil
}
