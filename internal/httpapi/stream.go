package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/session"
)

// Websocket wire messages. Clients send utterances; the server streams
// released deliveries back.
type wsUtterance struct {
	Type       string    `json:"type"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

type wsDelivery struct {
	Type     string         `json:"type"`
	Delivery convo.Delivery `json:"delivery"`
}

type wsAck struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

type wsError struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)

	// Delivery pump: the only delivery consumer while this connection lives.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		key := convo.DeliveriesKey(sessionID)
		for {
			raw, ok, err := s.bus.Pop(ctx, key, time.Second)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				continue
			}
			var d convo.Delivery
			if err := json.Unmarshal(raw, &d); err != nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case outbound <- wsDelivery{Type: "delivery", Delivery: d}:
			}
		}
	}()

	// Writer: websocket writes stay single-threaded.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var msg wsUtterance
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "utterance" || strings.TrimSpace(msg.Text) == "" {
			s.sendOrDrop(outbound, wsError{Type: "error", Code: "invalid_message", Detail: "expected {type: utterance, speaker, text}"})
			continue
		}
		if strings.TrimSpace(msg.Speaker) == "" {
			msg.Speaker = "Unknown"
		}

		utt, err := s.recorder.Record(ctx, sessionID, msg.Speaker, msg.Text, msg.Timestamp, msg.Confidence)
		if err != nil {
			s.sendOrDrop(outbound, wsError{Type: "error", Code: "ingest_failed", Detail: err.Error()})
			continue
		}
		_ = s.sessions.Touch(sessionID, msg.Speaker)
		s.sendOrDrop(outbound, wsAck{Type: "ack", Seq: utt.Seq})
	}

	cancel()
	<-pumpDone
	<-writerDone
}

// sendOrDrop keeps the read loop responsive when the outbound queue is
// saturated; a dropped ack is recoverable, a stalled transcript feed is not.
func (s *Server) sendOrDrop(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}
