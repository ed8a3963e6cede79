// Package ingest is the transcription boundary: it stamps incoming utterances
// with per-session sequence numbers and fans them out to the ordered message
// set, the aggregator input queue, and the durable write queue.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/observability"
)

// Recorder assigns sequence numbers and records utterances. Safe for
// concurrent use; sequencing is serialized per session.
type Recorder struct {
	bus       bus.Bus
	metrics   *observability.Metrics
	retention time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRecorder creates a Recorder. retention bounds how long the ordered
// message set outlives the last write.
func NewRecorder(b bus.Bus, m *observability.Metrics, retention time.Duration) *Recorder {
	return &Recorder{bus: b, metrics: m, retention: retention, locks: make(map[string]*sync.Mutex)}
}

// Record stamps the utterance with the next sequence number and publishes it.
// The ordered-set write is the source of truth; queue fan-out failures are
// logged but do not fail the ingest.
func (r *Recorder) Record(ctx context.Context, sessionID, speaker, text string, ts time.Time, confidence float64) (convo.Utterance, error) {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := r.nextSeq(ctx, sessionID)
	if err != nil {
		return convo.Utterance{}, err
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	utt := convo.Utterance{
		Seq:        seq,
		Speaker:    speaker,
		Text:       text,
		Timestamp:  ts,
		Confidence: confidence,
		Origin:     convo.OriginHuman,
	}
	data, err := json.Marshal(utt)
	if err != nil {
		return convo.Utterance{}, fmt.Errorf("marshal utterance: %w", err)
	}

	messagesKey := convo.MessagesKey(sessionID)
	if err := r.bus.OrderedAdd(ctx, messagesKey, seq, data); err != nil {
		return convo.Utterance{}, fmt.Errorf("record utterance: %w", err)
	}
	if err := r.bus.Expire(ctx, messagesKey, r.retention); err != nil {
		log.Printf("ingest: refresh retention for %s: %v", sessionID, err)
	}

	record, err := json.Marshal(convo.WriteRecord{Kind: convo.WriteUtterance, SessionID: sessionID, Utterance: &utt})
	if err == nil {
		if err := r.bus.Push(ctx, convo.WriteQueueKey(), record); err != nil {
			log.Printf("ingest: enqueue durable write for %s seq=%d: %v", sessionID, seq, err)
		}
	}

	env, err := json.Marshal(convo.IngestEnvelope{Utterance: utt})
	if err == nil {
		if err := r.bus.Push(ctx, convo.InputQueueKey(sessionID), env); err != nil {
			log.Printf("ingest: feed aggregator for %s seq=%d: %v", sessionID, seq, err)
		}
	}

	return utt, nil
}

// nextSeq continues from the highest recorded sequence so a reconnecting
// session never reuses a number.
func (r *Recorder) nextSeq(ctx context.Context, sessionID string) (int64, error) {
	max, ok, err := r.bus.OrderedMax(ctx, convo.MessagesKey(sessionID))
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	if !ok {
		return 1, nil
	}
	return max + 1, nil
}

func (r *Recorder) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sessionID] = lock
	}
	return lock
}

// Forget releases per-session sequencing state after a session ends.
func (r *Recorder) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, sessionID)
}
