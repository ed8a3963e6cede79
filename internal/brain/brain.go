// Package brain is the boundary to the external reasoning service. Every
// classification and generation capability the pipeline needs lives behind
// one interface; callers treat failures as "no detection / no action".
package brain

import (
	"context"
	"sort"
	"strings"

	"github.com/consilience-ai/consilience/internal/convo"
)

// Path is the decision outcome for a trigger.
type Path string

const (
	PathContinue Path = "continue"
	PathRespond  Path = "respond"
	PathClarify  Path = "clarify"
)

// Decision is the structured outcome of analyzing a trigger.
type Decision struct {
	Path           Path     `json:"decision_path"`
	Reasoning      string   `json:"reasoning"`
	ActiveDomains  []string `json:"active_domains"`
	MissingDomains []string `json:"missing_domains"`
	Urgency        int      `json:"urgency"`
	ResponseType   string   `json:"response_type"`
	TaskType       string   `json:"task_type"`
}

// DecisionInput bundles everything the decision capability sees.
type DecisionInput struct {
	Trigger          convo.TriggerSignal
	Context          string
	ActiveDomains    []string
	VerifiedFollowUp bool
	LastReply        string
}

// ErrorFinding is a positive factual-error detection.
type ErrorFinding struct {
	Description string   `json:"error_description"`
	Correction  string   `json:"correct_information"`
	Severity    string   `json:"severity"`
	Domains     []string `json:"domains_needed"`
	Issue       string   `json:"issue_description"`
}

// StuckFinding is a positive stuck-signal detection.
type StuckFinding struct {
	Kind        string         `json:"stuck_type"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Domains     []string       `json:"domains_needed"`
	Priority    convo.Priority `json:"priority"`
	Issue       string         `json:"issue_description"`
}

// PerspectiveRequest asks for a short expert perspective from one domain.
type PerspectiveRequest struct {
	Domain        string
	TaskType      string
	Context       string
	ActiveDomains []string
	History       string
}

// Client is the full set of external capabilities. Implementations must be
// safe for concurrent use.
type Client interface {
	ExtractKeywords(ctx context.Context, text string) ([]string, error)
	InferTopics(ctx context.Context, lines []string) (convo.Topics, error)
	Summarize(ctx context.Context, previous string, lines []string) (string, error)
	DetectAddress(ctx context.Context, speaker, text string) (bool, error)
	VerifyFollowUp(ctx context.Context, speaker, text, lastReply string) (bool, error)
	Decide(ctx context.Context, in DecisionInput) (Decision, error)
	DetectFactualError(ctx context.Context, conversation string) (*ErrorFinding, error)
	DetectStuck(ctx context.Context, conversation, history string) (*StuckFinding, error)
	SimilarIssues(ctx context.Context, a, b string) (bool, error)
	Perspective(ctx context.Context, req PerspectiveRequest) (string, error)
}

// Config controls client construction.
type Config struct {
	APIKey    string
	Model     string
	FastModel string
}

// New returns the OpenAI-backed client when an API key is configured,
// otherwise the deterministic mock.
func New(cfg Config) Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return NewMock()
	}
	return NewOpenAIClient(cfg)
}

// FallbackKeywords is the degraded keyword heuristic used when extraction
// fails: the longest words of the text, longest first.
func FallbackKeywords(text string, max int) []string {
	if max <= 0 {
		max = 5
	}
	words := strings.Fields(strings.ToLower(text))
	candidates := make([]string, 0, len(words))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) <= 4 || seen[w] {
			continue
		}
		seen[w] = true
		candidates = append(candidates, w)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}
