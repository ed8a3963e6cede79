package convo

import "time"

// Origin distinguishes who produced an utterance. Synthesized utterances are
// Consilience's own replies fed back into conversational context; the trigger
// detector must never treat them as new input.
type Origin string

const (
	OriginHuman       Origin = "human"
	OriginSynthesized Origin = "synthesized"
)

// Utterance is one transcribed message in a session. Immutable once created.
type Utterance struct {
	Seq        int64     `json:"seq"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Origin     Origin    `json:"origin"`
}

// EnrichedUtterance is an utterance after keyword extraction and domain
// tagging, as held in the aggregator's recent buffer.
type EnrichedUtterance struct {
	Utterance
	Keywords         []string           `json:"keywords,omitempty"`
	Domains          []string           `json:"domains,omitempty"`
	DomainConfidence map[string]float64 `json:"domain_confidence,omitempty"`
	BufferedAt       time.Time          `json:"buffered_at"`
}

// Summary is the rolling conversation summary. It is replaced wholesale on
// each summarization cycle, never partially mutated.
type Summary struct {
	Text         string    `json:"text"`
	CoversStart  int64     `json:"covers_start"`
	CoversEnd    int64     `json:"covers_end"`
	MessageCount int       `json:"message_count"`
	TimeStart    time.Time `json:"time_start"`
	TimeEnd      time.Time `json:"time_end"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Topics is the current topic inference result, replaced wholesale per cycle.
type Topics struct {
	ActiveDomains []string           `json:"active_domains"`
	Confidence    map[string]float64 `json:"confidence"`
	Keywords      []string           `json:"keywords"`
	InferredAt    time.Time          `json:"inferred_at"`
}

// SynthesizedNote records one synthesized reply in the append-only session
// history, used for repetition avoidance and follow-up verification.
type SynthesizedNote struct {
	Seq              int64     `json:"seq"`
	Text             string    `json:"text"`
	Timestamp        time.Time `json:"timestamp"`
	TriggerKind      string    `json:"trigger_kind"`
	Domains          []string  `json:"domains,omitempty"`
	IssueDescription string    `json:"issue_description,omitempty"`
}

// StateSnapshot is the short-lived derived state the aggregator publishes for
// the delivery scheduler. It expires quickly so the scheduler never acts on a
// stale silence reading.
type StateSnapshot struct {
	SessionID        string    `json:"session_id"`
	Silent           bool      `json:"silent"`
	SecondsSinceLast float64   `json:"seconds_since_last"`
	LastUtteranceAt  time.Time `json:"last_utterance_at"`
	ActiveDomains    []string  `json:"active_domains"`
	Keywords         []string  `json:"keywords"`
}

// ContextView is an immutable read view of a session's conversational state.
// Consumers must not mutate through it; slices are copies.
type ContextView struct {
	SessionID string              `json:"session_id"`
	Summary   Summary             `json:"summary"`
	Recent    []EnrichedUtterance `json:"recent"`
	History   []SynthesizedNote   `json:"history"`
	Topics    Topics              `json:"topics"`
}

// TriggerKind classifies why a trigger fired.
type TriggerKind string

const (
	TriggerExplicit     TriggerKind = "explicit"
	TriggerFactualError TriggerKind = "factual_error"
	TriggerStuckSignal  TriggerKind = "stuck_signal"
)

// TriggerSignal is emitted by the listener and consumed exactly once by the
// decision pipeline. The follow-up flag is provisional: the pipeline verifies
// it before trusting it.
type TriggerSignal struct {
	Seq               int64       `json:"seq"`
	Kind              TriggerKind `json:"kind"`
	Utterance         Utterance   `json:"utterance"`
	PotentialFollowUp bool        `json:"potential_follow_up,omitempty"`
}

// Priority is a delivery urgency tier. P0 bypasses silence gating entirely.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// Tiers lists all priorities from most to least urgent.
var Tiers = []Priority{P0, P1, P2, P3}

// ResponseStatus is the lifecycle state of a candidate response. Exactly one
// terminal transition is ever taken.
type ResponseStatus string

const (
	StatusQueued           ResponseStatus = "queued"
	StatusDelivered        ResponseStatus = "delivered"
	StatusExpired          ResponseStatus = "expired"
	StatusDroppedIrrelevant ResponseStatus = "dropped_irrelevant"
	StatusDroppedDuplicate  ResponseStatus = "dropped_duplicate"
)

// CandidateResponse is a synthesized reply waiting in a priority queue.
type CandidateResponse struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Priority         Priority       `json:"priority"`
	Text             string         `json:"text"`
	CreatedAt        time.Time      `json:"created_at"`
	TriggerKind      TriggerKind    `json:"trigger_kind"`
	TriggerSeq       int64          `json:"trigger_seq,omitempty"`
	Domains          []string       `json:"domains,omitempty"`
	Keywords         []string       `json:"keywords,omitempty"`
	IssueDescription string         `json:"issue_description,omitempty"`
	Status           ResponseStatus `json:"status"`
}

// Delivery is the released side effect of the scheduler picking a response.
type Delivery struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Priority    Priority  `json:"priority"`
	Text        string    `json:"text"`
	TriggerSeq  int64     `json:"trigger_seq,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// SpokeFlag marks that Consilience just spoke; while it lives on the bus the
// listener treats subsequent utterances as potential follow-ups.
type SpokeFlag struct {
	At  time.Time `json:"at"`
	Seq int64     `json:"seq"`
}

// IngestEnvelope is the wire form on a session's input queue. For synthesized
// utterances it carries the trigger metadata the aggregator records alongside.
type IngestEnvelope struct {
	Utterance        Utterance   `json:"utterance"`
	TriggerKind      TriggerKind `json:"trigger_kind,omitempty"`
	Domains          []string    `json:"domains,omitempty"`
	IssueDescription string      `json:"issue_description,omitempty"`
}

// WriteRecord is one unit on the durable-write queue. Exactly one of the
// payload fields is set, selected by Kind.
type WriteRecord struct {
	Kind      string     `json:"kind"`
	Utterance *Utterance `json:"utterance,omitempty"`
	SessionID string     `json:"session_id,omitempty"`

	Summary  *SummaryRecord `json:"summary,omitempty"`
	Delivery *Delivery      `json:"delivery,omitempty"`
}

// Write record kinds.
const (
	WriteUtterance = "utterance"
	WriteSummary   = "summary"
	WriteDelivery  = "delivery"
)

// SummaryRecord is the append-only persistence form of a completed summary.
type SummaryRecord struct {
	SessionID    string    `json:"session_id"`
	Text         string    `json:"text"`
	CoversStart  int64     `json:"covers_start"`
	CoversEnd    int64     `json:"covers_end"`
	MessageCount int       `json:"message_count"`
	TimeStart    time.Time `json:"time_start"`
	TimeEnd      time.Time `json:"time_end"`
	Domains      []string  `json:"domains,omitempty"`
}
