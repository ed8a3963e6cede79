package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/consilience-ai/consilience/internal/convo"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	transcript map[string][]TranscriptRow
	summaries  map[string][]convo.SummaryRecord
	deliveries map[string][]convo.Delivery
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		transcript: make(map[string][]TranscriptRow),
		summaries:  make(map[string][]convo.SummaryRecord),
		deliveries: make(map[string][]convo.Delivery),
	}
}

func (s *InMemoryStore) SaveUtterance(_ context.Context, sessionID string, utt convo.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript[sessionID] = append(s.transcript[sessionID], TranscriptRow{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Seq:        utt.Seq,
		Speaker:    utt.Speaker,
		Text:       utt.Text,
		Origin:     utt.Origin,
		Confidence: utt.Confidence,
		CreatedAt:  utt.Timestamp,
	})
	return nil
}

func (s *InMemoryStore) SaveSummary(_ context.Context, rec convo.SummaryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[rec.SessionID] = append(s.summaries[rec.SessionID], rec)
	return nil
}

func (s *InMemoryStore) SaveDelivery(_ context.Context, d convo.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now().UTC()
	}
	s.deliveries[d.SessionID] = append(s.deliveries[d.SessionID], d)
	return nil
}

func (s *InMemoryStore) Transcript(_ context.Context, sessionID string, limit int) ([]TranscriptRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.transcript[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TranscriptRow, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Summaries(_ context.Context, sessionID string, limit int) ([]convo.SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.summaries[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]convo.SummaryRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
