package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/config"
	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/ingest"
	"github.com/consilience-ai/consilience/internal/observability"
	"github.com/consilience-ai/consilience/internal/session"
	"github.com/consilience-ai/consilience/internal/store"
)

type stubRuntime struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (r *stubRuntime) StartSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *stubRuntime) StopSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
}

type testEnv struct {
	server  *Server
	router  http.Handler
	bus     bus.Bus
	store   *store.InMemoryStore
	runtime *stubRuntime
}

var namespaceCounter int

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	namespaceCounter++
	cfg := config.Config{
		MetricsNamespace:   "test_httpapi",
		SessionIdleTimeout: time.Hour,
	}
	b := bus.NewMemoryBus()
	st := store.NewInMemoryStore()
	m := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", namespaceCounter))
	rt := &stubRuntime{}
	rec := ingest.NewRecorder(b, m, time.Hour)
	srv := New(cfg, session.NewManager(cfg.SessionIdleTimeout), rt, rec, b, st, m)
	return &testEnv{server: srv, router: srv.Router(), bus: b, store: st, runtime: rt}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createSession(t *testing.T, title string) session.CreateResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/sessions", map[string]string{"title": title})
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: status %d body %s", w.Code, w.Body.String())
	}
	var resp session.CreateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestCreateSessionStartsRuntime(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSession(t, "architecture sync")
	if resp.SessionID == "" || resp.Status != session.StatusActive {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Title != "architecture sync" {
		t.Fatalf("title lost: %+v", resp)
	}
	if len(env.runtime.started) != 1 || env.runtime.started[0] != resp.SessionID {
		t.Fatalf("runtime not started: %v", env.runtime.started)
	}
}

func TestCreateSessionEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("empty body should still create, got %d", w.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/sessions/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
	var er errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if er.Code != "session_not_found" {
		t.Fatalf("wrong error code %q", er.Code)
	}
}

func TestEndSessionStopsRuntime(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSession(t, "")

	w := env.do(t, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/end", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	if len(env.runtime.stopped) != 1 || env.runtime.stopped[0] != resp.SessionID {
		t.Fatalf("runtime not stopped: %v", env.runtime.stopped)
	}

	var sess session.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.Status != session.StatusEnded {
		t.Fatalf("expected ended status, got %s", sess.Status)
	}
}

func TestIngestUtterance(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSession(t, "")

	w := env.do(t, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/utterances", map[string]any{
		"speaker": "Maya", "text": "should we shard by tenant?", "confidence": 0.93,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	var utt convo.Utterance
	if err := json.Unmarshal(w.Body.Bytes(), &utt); err != nil {
		t.Fatalf("decode utterance: %v", err)
	}
	if utt.Seq != 1 || utt.Speaker != "Maya" || utt.Origin != convo.OriginHuman {
		t.Fatalf("unexpected utterance: %+v", utt)
	}

	members, err := env.bus.OrderedSince(context.Background(), convo.MessagesKey(resp.SessionID), 0)
	if err != nil || len(members) != 1 {
		t.Fatalf("utterance not recorded (err=%v n=%d)", err, len(members))
	}
}

func TestIngestUtteranceValidation(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSession(t, "")

	w := env.do(t, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/utterances", map[string]any{
		"speaker": "Maya", "text": "   ",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank text should 400, got %d", w.Code)
	}

	// Missing speaker is tolerated and attributed to Unknown.
	w = env.do(t, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/utterances", map[string]any{
		"text": "anonymous remark",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	var utt convo.Utterance
	if err := json.Unmarshal(w.Body.Bytes(), &utt); err != nil {
		t.Fatalf("decode utterance: %v", err)
	}
	if utt.Speaker != "Unknown" {
		t.Fatalf("expected Unknown speaker, got %q", utt.Speaker)
	}
}

func TestIngestIntoEndedSession(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSession(t, "")
	env.do(t, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/end", nil)

	w := env.do(t, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/utterances", map[string]any{
		"speaker": "Maya", "text": "too late",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("ended session should 409, got %d", w.Code)
	}
}

func TestSessionStateWithoutContext(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSession(t, "")

	w := env.do(t, http.MethodGet, "/v1/sessions/"+resp.SessionID+"/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var state stateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Session == nil || state.Session.ID != resp.SessionID {
		t.Fatalf("session missing from state: %+v", state)
	}
	if state.Context != nil || state.Snapshot != nil {
		t.Fatalf("no aggregator has run, context should be absent: %+v", state)
	}
}

func TestPollDeliveriesDrains(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSession(t, "")

	d := convo.Delivery{ID: "d1", SessionID: resp.SessionID, Priority: convo.P0, Text: "an answer", DeliveredAt: time.Now().UTC()}
	raw, _ := json.Marshal(d)
	if err := env.bus.Push(context.Background(), convo.DeliveriesKey(resp.SessionID), raw); err != nil {
		t.Fatalf("Push: %v", err)
	}

	w := env.do(t, http.MethodGet, "/v1/sessions/"+resp.SessionID+"/deliveries", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body struct {
		Deliveries []convo.Delivery `json:"deliveries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Deliveries) != 1 || body.Deliveries[0].ID != "d1" {
		t.Fatalf("unexpected deliveries: %+v", body.Deliveries)
	}

	// A second poll returns nothing; the first consumed the queue.
	w = env.do(t, http.MethodGet, "/v1/sessions/"+resp.SessionID+"/deliveries", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Deliveries) != 0 {
		t.Fatalf("poll should drain, second call got %+v", body.Deliveries)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createSession(t, "")

	err := env.store.SaveUtterance(context.Background(), resp.SessionID, convo.Utterance{
		Seq: 1, Speaker: "Maya", Text: "hello", Timestamp: time.Now().UTC(), Origin: convo.OriginHuman,
	})
	if err != nil {
		t.Fatalf("SaveUtterance: %v", err)
	}

	w := env.do(t, http.MethodGet, "/v1/sessions/"+resp.SessionID+"/transcript?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body struct {
		Transcript []store.TranscriptRow `json:"transcript"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Transcript) != 1 || body.Transcript[0].Text != "hello" {
		t.Fatalf("unexpected transcript: %+v", body.Transcript)
	}
}

func TestQueryLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?limit=25", nil)
	if got := queryLimit(r); got != 25 {
		t.Fatalf("got %d", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/x?limit=-3", nil)
	if got := queryLimit(r); got != 0 {
		t.Fatalf("negative limit should read as 0, got %d", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	if got := queryLimit(r); got != 0 {
		t.Fatalf("absent limit should read as 0, got %d", got)
	}
}
