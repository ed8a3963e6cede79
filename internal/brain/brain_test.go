package brain

import (
	"context"
	"testing"

	"github.com/consilience-ai/consilience/internal/convo"
)

func TestFallbackKeywordsLongestFirst(t *testing.T) {
	got := FallbackKeywords("The database migration strategy needs careful planning now", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 keywords, got %v", got)
	}
	for _, w := range got {
		if len(w) <= 4 {
			t.Fatalf("short word %q survived the filter", w)
		}
	}
	if got[0] != "migration" {
		t.Fatalf("expected longest word first, got %v", got)
	}
}

func TestFallbackKeywordsDedupesAndTrimsPunctuation(t *testing.T) {
	got := FallbackKeywords("Kubernetes, kubernetes! KUBERNETES?", 5)
	if len(got) != 1 || got[0] != "kubernetes" {
		t.Fatalf("expected single deduped keyword, got %v", got)
	}
}

func TestFallbackKeywordsEmptyInput(t *testing.T) {
	if got := FallbackKeywords("", 5); len(got) != 0 {
		t.Fatalf("expected no keywords for empty text, got %v", got)
	}
}

func TestMockDetectAddressDefault(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	addressed, err := m.DetectAddress(ctx, "Maya", "Consilience, what do you think?")
	if err != nil {
		t.Fatalf("DetectAddress: %v", err)
	}
	if !addressed {
		t.Fatalf("expected direct mention to be detected")
	}
	addressed, err = m.DetectAddress(ctx, "Maya", "let's move on to the next item")
	if err != nil {
		t.Fatalf("DetectAddress: %v", err)
	}
	if addressed {
		t.Fatalf("expected plain chatter to not trigger")
	}
}

func TestMockDecideDefault(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	in := DecisionInput{Trigger: convo.TriggerSignal{Utterance: convo.Utterance{Text: "what should we pick?"}}}
	d, err := m.Decide(ctx, in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Path != PathRespond {
		t.Fatalf("expected respond path for a question, got %s", d.Path)
	}
	if len(d.MissingDomains) == 0 {
		t.Fatalf("expected at least one missing domain")
	}
	in.Trigger.Utterance.Text = "sounds good to me"
	d, err = m.Decide(ctx, in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Path != PathContinue {
		t.Fatalf("expected continue path for a statement, got %s", d.Path)
	}
}

func TestMockOverrides(t *testing.T) {
	m := NewMock()
	m.SimilarIssuesFn = func(ctx context.Context, a, b string) (bool, error) { return true, nil }
	dup, err := m.SimilarIssues(context.Background(), "one", "two")
	if err != nil {
		t.Fatalf("SimilarIssues: %v", err)
	}
	if !dup {
		t.Fatalf("override not applied")
	}
}

func TestDecodeModelJSONStripsFences(t *testing.T) {
	var v struct {
		Path string `json:"path"`
	}
	raw := "```json\n{\"path\": \"respond\"}\n```"
	if err := decodeModelJSON(raw, &v); err != nil {
		t.Fatalf("decodeModelJSON: %v", err)
	}
	if v.Path != "respond" {
		t.Fatalf("got %q", v.Path)
	}
}

func TestDecodeModelJSONPlain(t *testing.T) {
	var v map[string]any
	if err := decodeModelJSON(`  {"ok": true}  `, &v); err != nil {
		t.Fatalf("decodeModelJSON: %v", err)
	}
	if v["ok"] != true {
		t.Fatalf("got %v", v)
	}
}

func TestDecodeModelJSONEmpty(t *testing.T) {
	var v map[string]any
	if err := decodeModelJSON("``` ```", &v); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func TestGenerateSchemaStrict(t *testing.T) {
	type sample struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}
	schema := generateSchema[sample]()
	if schema["additionalProperties"] != false {
		t.Fatalf("expected additionalProperties=false, got %v", schema["additionalProperties"])
	}
	required, ok := schema["required"].([]any)
	if !ok {
		// makeStrict writes []string when it injects the list itself.
		reqStr, ok := schema["required"].([]string)
		if !ok || len(reqStr) != 2 {
			t.Fatalf("expected two required properties, got %v", schema["required"])
		}
		return
	}
	if len(required) != 2 {
		t.Fatalf("expected two required properties, got %v", required)
	}
}
