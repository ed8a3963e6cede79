package aggregator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/consilience-ai/consilience/internal/brain"
	"github.com/consilience-ai/consilience/internal/convo"
)

func testOptions() Options {
	return Options{
		SilenceThreshold:   40 * time.Millisecond,
		BufferWindow:       50 * time.Millisecond,
		TopicEveryMessages: 3,
		TopicEveryInterval: time.Hour,
	}
}

func utt(seq int64, speaker, text string) convo.Utterance {
	return convo.Utterance{
		Seq:       seq,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Origin:    convo.OriginHuman,
	}
}

func TestIngestEnrichesAndBuffers(t *testing.T) {
	cc := NewConversationContext("s1", brain.NewMock(), testOptions())
	enriched := cc.Ingest(context.Background(), utt(1, "Maya", "the migration strategy needs planning"))
	if len(enriched.Keywords) == 0 {
		t.Fatalf("expected extracted keywords")
	}
	view := cc.View()
	if len(view.Recent) != 1 || view.Recent[0].Seq != 1 {
		t.Fatalf("utterance not buffered: %+v", view.Recent)
	}
}

func TestIngestFallsBackOnKeywordFailure(t *testing.T) {
	mock := brain.NewMock()
	mock.ExtractKeywordsFn = func(ctx context.Context, text string) ([]string, error) {
		return nil, errors.New("capability down")
	}
	cc := NewConversationContext("s1", mock, testOptions())
	enriched := cc.Ingest(context.Background(), utt(1, "Maya", "kubernetes deployment rollout strategy"))
	if len(enriched.Keywords) == 0 {
		t.Fatalf("expected fallback keywords when extraction fails")
	}
}

func TestShouldInferTopicsByCount(t *testing.T) {
	opts := testOptions()
	opts.TopicEveryInterval = time.Hour
	cc := NewConversationContext("s1", brain.NewMock(), opts)
	ctx := context.Background()
	cc.Ingest(ctx, utt(1, "Maya", "first"))
	cc.Ingest(ctx, utt(2, "Jordan", "second"))
	if cc.ShouldInferTopics() {
		t.Fatalf("should not infer below the message threshold")
	}
	cc.Ingest(ctx, utt(3, "Sam", "third"))
	if !cc.ShouldInferTopics() {
		t.Fatalf("should infer at the message threshold")
	}
}

func TestInferTopicsBackTagsOnce(t *testing.T) {
	mock := brain.NewMock()
	calls := 0
	mock.InferTopicsFn = func(ctx context.Context, lines []string) (convo.Topics, error) {
		calls++
		domain := "Databases"
		if calls > 1 {
			domain = "Security"
		}
		return convo.Topics{
			ActiveDomains: []string{domain},
			Confidence:    map[string]float64{domain: 0.9},
			InferredAt:    time.Now().UTC(),
		}, nil
	}
	cc := NewConversationContext("s1", mock, testOptions())
	ctx := context.Background()
	cc.Ingest(ctx, utt(1, "Maya", "postgres indexes"))
	if err := cc.InferTopics(ctx); err != nil {
		t.Fatalf("InferTopics: %v", err)
	}
	cc.Ingest(ctx, utt(2, "Jordan", "key rotation"))
	if err := cc.InferTopics(ctx); err != nil {
		t.Fatalf("InferTopics: %v", err)
	}

	view := cc.View()
	if got := view.Recent[0].Domains[0]; got != "Databases" {
		t.Fatalf("first inference should stick, got %q", got)
	}
	if got := view.Recent[1].Domains[0]; got != "Security" {
		t.Fatalf("untagged utterance should take the new domains, got %q", got)
	}
	if view.Topics.ActiveDomains[0] != "Security" {
		t.Fatalf("topics not replaced wholesale: %+v", view.Topics)
	}
}

func TestInferTopicsFailureKeepsPrior(t *testing.T) {
	mock := brain.NewMock()
	cc := NewConversationContext("s1", mock, testOptions())
	ctx := context.Background()
	cc.Ingest(ctx, utt(1, "Maya", "hello there"))
	if err := cc.InferTopics(ctx); err != nil {
		t.Fatalf("InferTopics: %v", err)
	}
	prior := cc.View().Topics
	mock.InferTopicsFn = func(ctx context.Context, lines []string) (convo.Topics, error) {
		return convo.Topics{}, errors.New("capability down")
	}
	if err := cc.InferTopics(ctx); err == nil {
		t.Fatalf("expected error")
	}
	after := cc.View().Topics
	if len(after.ActiveDomains) != len(prior.ActiveDomains) {
		t.Fatalf("topics changed on failure: %+v", after)
	}
}

func TestSummarizeFoldsBufferAndClears(t *testing.T) {
	cc := NewConversationContext("s1", brain.NewMock(), testOptions())
	ctx := context.Background()
	cc.Ingest(ctx, utt(3, "Maya", "we should shard by tenant"))
	cc.Ingest(ctx, utt(4, "Jordan", "agreed, by tenant id"))
	if cc.ShouldSummarize() {
		t.Fatalf("buffer too fresh to summarize")
	}
	time.Sleep(60 * time.Millisecond)
	if !cc.ShouldSummarize() {
		t.Fatalf("oldest buffered utterance is past the window")
	}

	rec, err := cc.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if rec.CoversStart != 3 || rec.CoversEnd != 4 || rec.MessageCount != 2 {
		t.Fatalf("wrong covers range: %+v", rec)
	}
	if len(cc.View().Recent) != 0 {
		t.Fatalf("buffer not cleared after summarization")
	}

	// Second cycle extends the range but keeps the original start anchor.
	cc.Ingest(ctx, utt(5, "Sam", "what about cross-tenant reports?"))
	rec2, err := cc.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if rec2.CoversStart != 3 || rec2.CoversEnd != 5 || rec2.MessageCount != 3 {
		t.Fatalf("second cycle lost the anchor: %+v", rec2)
	}
	if !strings.Contains(rec2.Text, "shard") {
		t.Fatalf("summary should fold prior text, got %q", rec2.Text)
	}
}

func TestSummarizeFailureRetainsBuffer(t *testing.T) {
	mock := brain.NewMock()
	mock.SummarizeFn = func(ctx context.Context, previous string, lines []string) (string, error) {
		return "", errors.New("capability down")
	}
	cc := NewConversationContext("s1", mock, testOptions())
	cc.Ingest(context.Background(), utt(1, "Maya", "hello"))
	if _, err := cc.Summarize(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if len(cc.View().Recent) != 1 {
		t.Fatalf("buffer must survive a failed summarization")
	}
}

func TestSilenceDerivation(t *testing.T) {
	cc := NewConversationContext("s1", brain.NewMock(), testOptions())
	cc.Ingest(context.Background(), utt(1, "Maya", "hello"))
	if cc.IsSilent() {
		t.Fatalf("fresh utterance should not be silent")
	}
	time.Sleep(50 * time.Millisecond)
	if !cc.IsSilent() {
		t.Fatalf("expected silence past the threshold")
	}
	snap := cc.Snapshot()
	if !snap.Silent || snap.SecondsSinceLast <= 0 {
		t.Fatalf("snapshot disagrees: %+v", snap)
	}
}

func TestRecordSynthesizedAppendsHistory(t *testing.T) {
	cc := NewConversationContext("s1", brain.NewMock(), testOptions())
	u := utt(100, "Consilience", "Quick correction: the default port is 5432.")
	u.Origin = convo.OriginSynthesized
	cc.RecordSynthesized(context.Background(), u, convo.TriggerFactualError, []string{"Databases"}, "wrong port cited")

	view := cc.View()
	if len(view.History) != 1 {
		t.Fatalf("expected one history note, got %d", len(view.History))
	}
	if view.History[0].IssueDescription != "wrong port cited" {
		t.Fatalf("issue not recorded: %+v", view.History[0])
	}
	if len(view.Recent) != 1 {
		t.Fatalf("synthesized reply should also enter the recent buffer")
	}
}

func TestStateRoundTrip(t *testing.T) {
	mock := brain.NewMock()
	cc := NewConversationContext("s1", mock, testOptions())
	ctx := context.Background()
	cc.Ingest(ctx, utt(1, "Maya", "we should shard by tenant"))
	if err := cc.InferTopics(ctx); err != nil {
		t.Fatalf("InferTopics: %v", err)
	}

	blob, err := cc.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}

	restored, err := RestoreState(blob, mock, testOptions())
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	got := restored.View()
	want := cc.View()
	if got.SessionID != want.SessionID || len(got.Recent) != len(want.Recent) {
		t.Fatalf("restored view mismatch: got %+v want %+v", got, want)
	}

	view, err := DecodeView(blob)
	if err != nil {
		t.Fatalf("DecodeView: %v", err)
	}
	if view.SessionID != "s1" || len(view.Recent) != 1 {
		t.Fatalf("decoded view mismatch: %+v", view)
	}
}

func TestDecodeViewMalformed(t *testing.T) {
	if _, err := DecodeView([]byte("{not json")); err == nil {
		t.Fatalf("expected error for malformed state")
	}
}
