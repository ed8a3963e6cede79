// Package store persists session transcripts, summaries and deliveries.
// Everything here is append-only; the live pipeline never reads it back on
// the hot path.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/consilience-ai/consilience/internal/convo"
)

// TranscriptRow is one persisted utterance.
type TranscriptRow struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	Seq        int64        `json:"seq"`
	Speaker    string       `json:"speaker"`
	Text       string       `json:"text"`
	Origin     convo.Origin `json:"origin"`
	Confidence float64      `json:"confidence"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Store persists and retrieves conversation records.
type Store interface {
	SaveUtterance(ctx context.Context, sessionID string, utt convo.Utterance) error
	SaveSummary(ctx context.Context, rec convo.SummaryRecord) error
	SaveDelivery(ctx context.Context, d convo.Delivery) error
	Transcript(ctx context.Context, sessionID string, limit int) ([]TranscriptRow, error)
	Summaries(ctx context.Context, sessionID string, limit int) ([]convo.SummaryRecord, error)
	Close() error
}

// New creates a postgres-backed store when configured, otherwise in-memory.
func New(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
