package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/reliability"
)

const (
	defaultModel     = "gpt-4o"
	defaultFastModel = "gpt-4o-mini"

	callTimeout  = 30 * time.Second
	callAttempts = 3
	retryBase    = 500 * time.Millisecond
	retryCap     = 5 * time.Second
)

// OpenAIClient implements Client against the OpenAI Responses API with
// schema-constrained JSON outputs.
type OpenAIClient struct {
	client    openai.Client
	model     string
	fastModel string
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	fast := strings.TrimSpace(cfg.FastModel)
	if fast == "" {
		fast = defaultFastModel
	}
	return &OpenAIClient{
		client:    openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     model,
		fastModel: fast,
	}
}

type keywordsResult struct {
	Keywords []string `json:"keywords"`
}

type domainConfidence struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

type topicsResult struct {
	ActiveDomains []string           `json:"active_domains"`
	Confidences   []domainConfidence `json:"confidence_scores"`
	TopicKeywords []string           `json:"topic_keywords"`
}

type addressResult struct {
	IsAddressing bool `json:"is_addressing"`
}

type followUpResult struct {
	IsFollowUp bool   `json:"is_follow_up"`
	Reasoning  string `json:"reasoning"`
}

type errorDetectionResult struct {
	ErrorDetected bool `json:"error_detected"`
	ErrorFinding
}

type stuckDetectionResult struct {
	StuckDetected bool `json:"stuck_detected"`
	StuckFinding
}

type similarityResult struct {
	AreSimilar bool   `json:"are_similar"`
	Reasoning  string `json:"reasoning"`
}

var (
	keywordsSchema   = generateSchema[keywordsResult]()
	topicsSchema     = generateSchema[topicsResult]()
	addressSchema    = generateSchema[addressResult]()
	followUpSchema   = generateSchema[followUpResult]()
	decisionSchema   = generateSchema[Decision]()
	errorSchema      = generateSchema[errorDetectionResult]()
	stuckSchema      = generateSchema[stuckDetectionResult]()
	similaritySchema = generateSchema[similarityResult]()
)

func (c *OpenAIClient) ExtractKeywords(ctx context.Context, text string) ([]string, error) {
	if len(strings.TrimSpace(text)) < 10 {
		return nil, nil
	}
	var out keywordsResult
	err := c.callJSON(ctx, c.fastModel, "Keywords", keywordsSchema,
		fmt.Sprintf(keywordPrompt, text), 150, &out)
	if err != nil {
		return nil, err
	}
	return out.Keywords, nil
}

func (c *OpenAIClient) InferTopics(ctx context.Context, lines []string) (convo.Topics, error) {
	var out topicsResult
	err := c.callJSON(ctx, c.fastModel, "Topics", topicsSchema,
		fmt.Sprintf(topicPrompt, strings.Join(lines, "\n")), 500, &out)
	if err != nil {
		return convo.Topics{}, err
	}
	topics := convo.Topics{
		ActiveDomains: out.ActiveDomains,
		Confidence:    make(map[string]float64, len(out.Confidences)),
		Keywords:      out.TopicKeywords,
		InferredAt:    time.Now().UTC(),
	}
	for _, dc := range out.Confidences {
		topics.Confidence[dc.Domain] = dc.Confidence
	}
	return topics, nil
}

func (c *OpenAIClient) Summarize(ctx context.Context, previous string, lines []string) (string, error) {
	if strings.TrimSpace(previous) == "" {
		previous = "This is the start of the conversation."
	}
	text, err := c.callText(ctx, c.model,
		fmt.Sprintf(summaryPrompt, previous, strings.Join(lines, "\n")), 1200)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty summary output")
	}
	return strings.TrimSpace(text), nil
}

func (c *OpenAIClient) DetectAddress(ctx context.Context, speaker, text string) (bool, error) {
	if len(strings.TrimSpace(text)) < 3 {
		return false, nil
	}
	var out addressResult
	err := c.callJSON(ctx, c.fastModel, "AddressDetection", addressSchema,
		fmt.Sprintf(addressPrompt, speaker, text), 50, &out)
	if err != nil {
		return false, err
	}
	return out.IsAddressing, nil
}

func (c *OpenAIClient) VerifyFollowUp(ctx context.Context, speaker, text, lastReply string) (bool, error) {
	var out followUpResult
	err := c.callJSON(ctx, c.fastModel, "FollowUpCheck", followUpSchema,
		fmt.Sprintf(followUpPrompt, lastReply, speaker, text), 150, &out)
	if err != nil {
		return false, err
	}
	return out.IsFollowUp, nil
}

func (c *OpenAIClient) Decide(ctx context.Context, in DecisionInput) (Decision, error) {
	trigger, err := json.Marshal(struct {
		convo.TriggerSignal
		VerifiedFollowUp bool   `json:"verified_follow_up,omitempty"`
		LastReply        string `json:"last_assistant_reply,omitempty"`
	}{in.Trigger, in.VerifiedFollowUp, in.LastReply})
	if err != nil {
		return Decision{}, err
	}
	active := "none identified yet"
	if len(in.ActiveDomains) > 0 {
		active = strings.Join(in.ActiveDomains, ", ")
	}
	var out Decision
	err = c.callJSON(ctx, c.model, "LiaisonDecision", decisionSchema,
		fmt.Sprintf(decisionPrompt, trigger, in.Context, active), 600, &out)
	if err != nil {
		return Decision{}, err
	}
	switch out.Path {
	case PathContinue, PathRespond, PathClarify:
	default:
		return Decision{}, fmt.Errorf("unknown decision path %q", out.Path)
	}
	return out, nil
}

func (c *OpenAIClient) DetectFactualError(ctx context.Context, conversation string) (*ErrorFinding, error) {
	var out errorDetectionResult
	err := c.callJSON(ctx, c.model, "FactualErrorCheck", errorSchema,
		fmt.Sprintf(factualErrorPrompt, conversation), 500, &out)
	if err != nil {
		return nil, err
	}
	if !out.ErrorDetected {
		return nil, nil
	}
	finding := out.ErrorFinding
	return &finding, nil
}

func (c *OpenAIClient) DetectStuck(ctx context.Context, conversation, history string) (*StuckFinding, error) {
	if strings.TrimSpace(history) == "" {
		history = "None yet."
	}
	var out stuckDetectionResult
	err := c.callJSON(ctx, c.model, "StuckSignalCheck", stuckSchema,
		fmt.Sprintf(stuckPrompt, conversation, history), 500, &out)
	if err != nil {
		return nil, err
	}
	if !out.StuckDetected {
		return nil, nil
	}
	finding := out.StuckFinding
	if finding.Priority != convo.P2 && finding.Priority != convo.P3 {
		finding.Priority = convo.P2
	}
	return &finding, nil
}

func (c *OpenAIClient) SimilarIssues(ctx context.Context, a, b string) (bool, error) {
	var out similarityResult
	err := c.callJSON(ctx, c.fastModel, "IssueSimilarity", similaritySchema,
		fmt.Sprintf(similarityPrompt, a, b), 150, &out)
	if err != nil {
		return false, err
	}
	return out.AreSimilar, nil
}

func (c *OpenAIClient) Perspective(ctx context.Context, req PerspectiveRequest) (string, error) {
	active := "general discussion"
	if len(req.ActiveDomains) > 0 {
		active = strings.Join(req.ActiveDomains, ", ")
	}
	history := req.History
	if strings.TrimSpace(history) == "" {
		history = "None yet."
	}
	task := strings.ReplaceAll(req.TaskType, "_", " ")
	if strings.TrimSpace(task) == "" {
		task = "provide perspective"
	}
	text, err := c.callText(ctx, c.model,
		fmt.Sprintf(perspectivePrompt, req.Domain, req.Context, active, history, task), 350)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *OpenAIClient) callJSON(ctx context.Context, model, name string, schema map[string]any, input string, maxTokens int64, v any) error {
	params := responses.ResponseNewParams{
		Model:           model,
		MaxOutputTokens: openai.Int(maxTokens),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(input, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   name,
					Schema: schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		},
	}
	resp, err := c.call(ctx, params)
	if err != nil {
		return err
	}
	if err := decodeModelJSON(resp.OutputText(), v); err != nil {
		return fmt.Errorf("decode %s output: %w", name, err)
	}
	return nil
}

func (c *OpenAIClient) callText(ctx context.Context, model, input string, maxTokens int64) (string, error) {
	resp, err := c.call(ctx, responses.ResponseNewParams{
		Model:           model,
		MaxOutputTokens: openai.Int(maxTokens),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(input, responses.EasyInputMessageRoleUser),
			},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.OutputText(), nil
}

func (c *OpenAIClient) call(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	var lastErr error
	for attempt := 0; attempt < callAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := c.client.Responses.New(callCtx, params)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == callAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, retryBase, retryCap)):
		}
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.StatusCode)
	}
	// Transport-level failures (timeouts, resets) are worth one more try.
	return errors.Is(err, context.DeadlineExceeded)
}
