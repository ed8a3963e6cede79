package brain

import (
	"context"
	"strings"
	"time"

	"github.com/consilience-ai/consilience/internal/convo"
)

// Mock is a deterministic capability client for tests and offline runs. Each
// method follows a simple heuristic default; tests override individual
// behaviors through the function fields.
type Mock struct {
	ExtractKeywordsFn    func(ctx context.Context, text string) ([]string, error)
	InferTopicsFn        func(ctx context.Context, lines []string) (convo.Topics, error)
	SummarizeFn          func(ctx context.Context, previous string, lines []string) (string, error)
	DetectAddressFn      func(ctx context.Context, speaker, text string) (bool, error)
	VerifyFollowUpFn     func(ctx context.Context, speaker, text, lastReply string) (bool, error)
	DecideFn             func(ctx context.Context, in DecisionInput) (Decision, error)
	DetectFactualErrorFn func(ctx context.Context, conversation string) (*ErrorFinding, error)
	DetectStuckFn        func(ctx context.Context, conversation, history string) (*StuckFinding, error)
	SimilarIssuesFn      func(ctx context.Context, a, b string) (bool, error)
	PerspectiveFn        func(ctx context.Context, req PerspectiveRequest) (string, error)
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) ExtractKeywords(ctx context.Context, text string) ([]string, error) {
	if m.ExtractKeywordsFn != nil {
		return m.ExtractKeywordsFn(ctx, text)
	}
	return FallbackKeywords(text, 5), nil
}

func (m *Mock) InferTopics(ctx context.Context, lines []string) (convo.Topics, error) {
	if m.InferTopicsFn != nil {
		return m.InferTopicsFn(ctx, lines)
	}
	keywords := FallbackKeywords(strings.Join(lines, " "), 8)
	return convo.Topics{
		ActiveDomains: []string{"General"},
		Confidence:    map[string]float64{"General": 0.5},
		Keywords:      keywords,
		InferredAt:    time.Now().UTC(),
	}, nil
}

func (m *Mock) Summarize(ctx context.Context, previous string, lines []string) (string, error) {
	if m.SummarizeFn != nil {
		return m.SummarizeFn(ctx, previous, lines)
	}
	summary := strings.TrimSpace(previous)
	if summary == "" {
		summary = "Conversation summary:"
	}
	return summary + " " + strings.Join(lines, " / "), nil
}

func (m *Mock) DetectAddress(ctx context.Context, speaker, text string) (bool, error) {
	if m.DetectAddressFn != nil {
		return m.DetectAddressFn(ctx, speaker, text)
	}
	return strings.Contains(strings.ToLower(text), "consilience"), nil
}

func (m *Mock) VerifyFollowUp(ctx context.Context, speaker, text, lastReply string) (bool, error) {
	if m.VerifyFollowUpFn != nil {
		return m.VerifyFollowUpFn(ctx, speaker, text, lastReply)
	}
	return false, nil
}

func (m *Mock) Decide(ctx context.Context, in DecisionInput) (Decision, error) {
	if m.DecideFn != nil {
		return m.DecideFn(ctx, in)
	}
	if strings.Contains(in.Trigger.Utterance.Text, "?") {
		return Decision{
			Path:           PathRespond,
			Reasoning:      "question detected",
			MissingDomains: []string{"General"},
			TaskType:       "provide_perspective",
		}, nil
	}
	return Decision{Path: PathContinue, Reasoning: "no question"}, nil
}

func (m *Mock) DetectFactualError(ctx context.Context, conversation string) (*ErrorFinding, error) {
	if m.DetectFactualErrorFn != nil {
		return m.DetectFactualErrorFn(ctx, conversation)
	}
	return nil, nil
}

func (m *Mock) DetectStuck(ctx context.Context, conversation, history string) (*StuckFinding, error) {
	if m.DetectStuckFn != nil {
		return m.DetectStuckFn(ctx, conversation, history)
	}
	return nil, nil
}

func (m *Mock) SimilarIssues(ctx context.Context, a, b string) (bool, error) {
	if m.SimilarIssuesFn != nil {
		return m.SimilarIssuesFn(ctx, a, b)
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)), nil
}

func (m *Mock) Perspective(ctx context.Context, req PerspectiveRequest) (string, error) {
	if m.PerspectiveFn != nil {
		return m.PerspectiveFn(ctx, req)
	}
	return "From " + req.Domain + ": consider the fundamentals here.", nil
}
