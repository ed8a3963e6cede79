package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/convo"
)

// Writer drains the shared durable-write queue into the store in small
// batches. Failed records are pushed back onto the queue, so persistence is
// at-least-once and an occasional duplicate row is accepted.
type Writer struct {
	bus       bus.Bus
	store     Store
	batchSize int
}

func NewWriter(b bus.Bus, s Store, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Writer{bus: b, store: s, batchSize: batchSize}
}

// Run drains the write queue until ctx is cancelled. One writer per process.
func (w *Writer) Run(ctx context.Context) {
	key := convo.WriteQueueKey()
	for {
		if ctx.Err() != nil {
			return
		}
		batch := w.collect(ctx, key)
		if len(batch) == 0 {
			// Pop already waited; this only throttles a broken bus.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		w.apply(ctx, key, batch)
	}
}

// collect pops up to batchSize records, stopping early on a quiet queue.
func (w *Writer) collect(ctx context.Context, key string) [][]byte {
	batch := make([][]byte, 0, w.batchSize)
	for len(batch) < w.batchSize {
		raw, ok, err := w.bus.Pop(ctx, key, time.Second)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("store: pop write queue: %v", err)
			}
			break
		}
		if !ok {
			break
		}
		batch = append(batch, raw)
	}
	return batch
}

func (w *Writer) apply(ctx context.Context, key string, batch [][]byte) {
	for i, raw := range batch {
		var rec convo.WriteRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("store: malformed write record, discarding: %v", err)
			continue
		}
		if err := w.save(ctx, rec); err != nil {
			log.Printf("store: write failed, re-queueing %d record(s): %v", len(batch)-i, err)
			w.requeue(ctx, key, batch[i:])
			return
		}
	}
}

func (w *Writer) save(ctx context.Context, rec convo.WriteRecord) error {
	switch rec.Kind {
	case convo.WriteUtterance:
		if rec.Utterance == nil {
			return nil
		}
		return w.store.SaveUtterance(ctx, rec.SessionID, *rec.Utterance)
	case convo.WriteSummary:
		if rec.Summary == nil {
			return nil
		}
		return w.store.SaveSummary(ctx, *rec.Summary)
	case convo.WriteDelivery:
		if rec.Delivery == nil {
			return nil
		}
		return w.store.SaveDelivery(ctx, *rec.Delivery)
	default:
		log.Printf("store: unknown write record kind %q, discarding", rec.Kind)
		return nil
	}
}

func (w *Writer) requeue(ctx context.Context, key string, batch [][]byte) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	for _, raw := range batch {
		if err := w.bus.Push(ctx, key, raw); err != nil {
			log.Printf("store: re-queue write record: %v", err)
		}
	}
}
