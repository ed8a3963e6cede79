// Package httpapi exposes the service surface: session lifecycle, utterance
// ingestion, state inspection, and the delivery stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/consilience-ai/consilience/internal/aggregator"
	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/config"
	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/ingest"
	"github.com/consilience-ai/consilience/internal/observability"
	"github.com/consilience-ai/consilience/internal/session"
	"github.com/consilience-ai/consilience/internal/store"
)

// Runtime starts and stops the per-session component loops. Implemented by
// the app layer.
type Runtime interface {
	StartSession(sessionID string)
	StopSession(sessionID string)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runtime  Runtime
	recorder *ingest.Recorder
	bus      bus.Bus
	store    store.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, runtime Runtime, recorder *ingest.Recorder, b bus.Bus, st store.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		runtime:  runtime,
		recorder: recorder,
		bus:      b,
		store:    st,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up; other sites must not be
				// able to drive or observe a session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/utterances", s.handleIngestUtterance)
	r.Get("/v1/sessions/{id}/state", s.handleSessionState)
	r.Get("/v1/sessions/{id}/deliveries", s.handlePollDeliveries)
	r.Get("/v1/sessions/{id}/transcript", s.handleTranscript)
	r.Get("/v1/sessions/{id}/summaries", s.handleSummaries)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"pipeline":        s.metrics.Pipeline.Snapshot(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness means the bus answers; without it no component can move.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, _, err := s.bus.Get(ctx, "readyz:probe"); err != nil {
		respondError(w, http.StatusServiceUnavailable, "bus_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess := s.sessions.Create(strings.TrimSpace(req.Title))
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	if s.runtime != nil {
		s.runtime.StartSession(sess.ID)
	}

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:      sess.ID,
		Title:          sess.Title,
		Status:         sess.Status,
		StartedAt:      sess.StartedAt,
		LastActivityAt: sess.LastActivityAt,
		IdleTTLMS:      s.cfg.SessionIdleTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.runtime != nil {
		s.runtime.StopSession(id)
	}
	s.recorder.Forget(id)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	respondJSON(w, http.StatusOK, sess)
}

type utteranceRequest struct {
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

func (s *Server) handleIngestUtterance(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}

	var req utteranceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "utterance text is required")
		return
	}
	if strings.TrimSpace(req.Speaker) == "" {
		req.Speaker = "Unknown"
	}

	utt, err := s.recorder.Record(r.Context(), sess.ID, req.Speaker, req.Text, req.Timestamp, req.Confidence)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
		return
	}
	_ = s.sessions.Touch(sess.ID, req.Speaker)

	respondJSON(w, http.StatusAccepted, utt)
}

type stateResponse struct {
	Session  *session.Session     `json:"session"`
	Context  *convo.ContextView   `json:"context,omitempty"`
	Snapshot *convo.StateSnapshot `json:"snapshot,omitempty"`
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	resp := stateResponse{Session: sess}

	if blob, found, err := s.bus.Get(r.Context(), convo.StateKey(sess.ID)); err == nil && found {
		if view, err := aggregator.DecodeView(blob); err == nil {
			resp.Context = &view
		}
	}
	if raw, found, err := s.bus.Get(r.Context(), convo.SnapshotKey(sess.ID)); err == nil && found {
		var snap convo.StateSnapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			resp.Snapshot = &snap
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handlePollDeliveries drains pending deliveries for clients that do not hold
// a websocket open.
func (s *Server) handlePollDeliveries(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	key := convo.DeliveriesKey(sess.ID)
	items, err := s.bus.Items(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "bus_error", err.Error())
		return
	}

	deliveries := make([]convo.Delivery, 0, len(items))
	for _, raw := range items {
		if removed, err := s.bus.Remove(r.Context(), key, raw); err != nil || !removed {
			continue
		}
		var d convo.Delivery
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		deliveries = append(deliveries, d)
	}
	respondJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	rows, err := s.store.Transcript(r.Context(), sess.ID, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transcript": rows})
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	recs, err := s.store.Summaries(r.Context(), sess.ID, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"summaries": recs})
}

func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

func queryLimit(r *http.Request) int {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
