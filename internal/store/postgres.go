package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/consilience-ai/consilience/internal/convo"
)

// PostgresStore persists conversation records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS utterances (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			origin TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_utterances_session_seq ON utterances (session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			text TEXT NOT NULL,
			covers_start BIGINT NOT NULL,
			covers_end BIGINT NOT NULL,
			message_count INTEGER NOT NULL,
			time_start TIMESTAMPTZ,
			time_end TIMESTAMPTZ,
			domains TEXT[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_session_created ON summaries (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			priority TEXT NOT NULL,
			text TEXT NOT NULL,
			trigger_seq BIGINT,
			delivered_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_session_delivered ON deliveries (session_id, delivered_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveUtterance(ctx context.Context, sessionID string, utt convo.Utterance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO utterances (id, session_id, seq, speaker, text, origin, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(),
		sessionID,
		utt.Seq,
		utt.Speaker,
		utt.Text,
		string(utt.Origin),
		utt.Confidence,
		utt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save utterance: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, rec convo.SummaryRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO summaries (id, session_id, text, covers_start, covers_end, message_count, time_start, time_end, domains, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.NewString(),
		rec.SessionID,
		rec.Text,
		rec.CoversStart,
		rec.CoversEnd,
		rec.MessageCount,
		rec.TimeStart,
		rec.TimeEnd,
		rec.Domains,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveDelivery(ctx context.Context, d convo.Delivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (id, session_id, priority, text, trigger_seq, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID,
		d.SessionID,
		string(d.Priority),
		d.Text,
		d.TriggerSeq,
		d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("save delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transcript(ctx context.Context, sessionID string, limit int) ([]TranscriptRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, speaker, text, origin, confidence, created_at
		 FROM utterances WHERE session_id=$1 ORDER BY seq DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	items := make([]TranscriptRow, 0, limit)
	for rows.Next() {
		var r TranscriptRow
		var origin string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Speaker, &r.Text, &origin, &r.Confidence, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		r.Origin = convo.Origin(origin)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Summaries(ctx context.Context, sessionID string, limit int) ([]convo.SummaryRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, text, covers_start, covers_end, message_count, time_start, time_end, domains
		 FROM summaries WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	items := make([]convo.SummaryRecord, 0, limit)
	for rows.Next() {
		var r convo.SummaryRecord
		if err := rows.Scan(&r.SessionID, &r.Text, &r.CoversStart, &r.CoversEnd, &r.MessageCount, &r.TimeStart, &r.TimeEnd, &r.Domains); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
