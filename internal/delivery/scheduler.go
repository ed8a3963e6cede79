// Package delivery is the priority scheduler: it decides when a queued
// candidate response actually reaches the conversation. P0 goes out on the
// next tick no matter what; everything else waits for silence.
package delivery

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/observability"
)

// Options configures the scheduling policy.
type Options struct {
	TickInterval     time.Duration
	SilenceThreshold time.Duration
	P1Target         time.Duration
	P2P3Target       time.Duration
	ResponseTTL      time.Duration
	SpokeWindow      time.Duration
}

// Scheduler runs per-session delivery loops.
type Scheduler struct {
	bus     bus.Bus
	metrics *observability.Metrics
	opts    Options
}

func NewScheduler(b bus.Bus, m *observability.Metrics, opts Options) *Scheduler {
	return &Scheduler{bus: b, metrics: m, opts: opts}
}

// Run schedules deliveries for sessionID until ctx is cancelled. At most one
// item is released per tick across all tiers.
func (s *Scheduler) Run(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	var lastDelivery time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if delivered := s.tick(ctx, sessionID, lastDelivery); !delivered.IsZero() {
			lastDelivery = delivered
		}
	}
}

// tick runs one scheduling pass and returns the delivery time, zero when
// nothing was released.
func (s *Scheduler) tick(ctx context.Context, sessionID string, lastDelivery time.Time) time.Time {
	// P0 bypasses every gate, including a missing state snapshot.
	if cand, raw, ok := s.oldest(ctx, sessionID, convo.P0); ok {
		if removed := s.take(ctx, sessionID, convo.P0, raw); removed {
			return s.deliver(ctx, sessionID, cand)
		}
		return time.Time{}
	}

	snap, ok := s.snapshot(ctx, sessionID)
	if !ok || !snap.Silent {
		return time.Time{}
	}
	if time.Since(lastDelivery) < s.opts.SilenceThreshold {
		return time.Time{}
	}

	for _, tier := range []convo.Priority{convo.P1, convo.P2, convo.P3} {
		cand, delivered := s.scanTier(ctx, sessionID, tier, snap.Keywords)
		if delivered {
			return s.deliver(ctx, sessionID, cand)
		}
	}
	return time.Time{}
}

// scanTier walks one queue oldest first, dropping expired and irrelevant
// items, and selects the first survivor. First found wins; the scan never
// continues past a deliverable item looking for a more overdue one.
func (s *Scheduler) scanTier(ctx context.Context, sessionID string, tier convo.Priority, currentKeywords []string) (convo.CandidateResponse, bool) {
	key := convo.ResponseQueueKey(sessionID, tier)
	items, err := s.bus.Items(ctx, key)
	if err != nil {
		log.Printf("delivery: scan %s queue for %s: %v", tier, sessionID, err)
		return convo.CandidateResponse{}, false
	}

	for _, raw := range items {
		var cand convo.CandidateResponse
		if err := json.Unmarshal(raw, &cand); err != nil {
			log.Printf("delivery: malformed %s item in %s, discarding: %v", tier, sessionID, err)
			s.take(ctx, sessionID, tier, raw)
			continue
		}

		age := time.Since(cand.CreatedAt)
		if age > s.opts.ResponseTTL {
			if s.take(ctx, sessionID, tier, raw) {
				s.metrics.QueueDrops.WithLabelValues(string(convo.StatusExpired)).Inc()
				log.Printf("delivery: expired %s item %s in %s (age %s)", tier, cand.ID, sessionID, age.Round(time.Second))
			}
			continue
		}

		if !relevant(cand.Keywords, currentKeywords) {
			if s.take(ctx, sessionID, tier, raw) {
				s.metrics.QueueDrops.WithLabelValues(string(convo.StatusDroppedIrrelevant)).Inc()
				log.Printf("delivery: dropped irrelevant %s item %s in %s", tier, cand.ID, sessionID)
			}
			continue
		}

		if !s.take(ctx, sessionID, tier, raw) {
			continue
		}
		if overdue(tier, age, s.opts) {
			log.Printf("delivery: %s item %s overdue (age %s), releasing", tier, cand.ID, age.Round(time.Second))
		} else if tier == convo.P1 && age > time.Duration(float64(s.opts.P1Target)*0.7) {
			log.Printf("delivery: early release of P1 item %s (age %s)", cand.ID, age.Round(time.Second))
		}
		return cand, true
	}
	return convo.CandidateResponse{}, false
}

func (s *Scheduler) deliver(ctx context.Context, sessionID string, cand convo.CandidateResponse) time.Time {
	now := time.Now().UTC()
	d := convo.Delivery{
		ID:          cand.ID,
		SessionID:   sessionID,
		Priority:    cand.Priority,
		Text:        cand.Text,
		TriggerSeq:  cand.TriggerSeq,
		DeliveredAt: now,
	}

	data, err := json.Marshal(d)
	if err != nil {
		log.Printf("delivery: marshal delivery %s for %s: %v", cand.ID, sessionID, err)
		return now
	}
	if err := s.bus.Push(ctx, convo.DeliveriesKey(sessionID), data); err != nil {
		log.Printf("delivery: publish delivery %s for %s: %v", cand.ID, sessionID, err)
	}

	record, err := json.Marshal(convo.WriteRecord{Kind: convo.WriteDelivery, Delivery: &d})
	if err == nil {
		if err := s.bus.Push(ctx, convo.WriteQueueKey(), record); err != nil {
			log.Printf("delivery: enqueue delivery write for %s: %v", sessionID, err)
		}
	}

	s.setSpokeFlag(ctx, sessionID, cand.TriggerSeq, now)

	s.metrics.Deliveries.WithLabelValues(string(cand.Priority)).Inc()
	s.metrics.ObserveDeliveryWait(now.Sub(cand.CreatedAt))
	log.Printf("delivery: released %s response %s for %s", cand.Priority, cand.ID, sessionID)
	return now
}

// setSpokeFlag re-opens the trigger detector's follow-up window.
func (s *Scheduler) setSpokeFlag(ctx context.Context, sessionID string, seq int64, at time.Time) {
	flag, err := json.Marshal(convo.SpokeFlag{At: at, Seq: seq})
	if err != nil {
		return
	}
	if err := s.bus.Set(ctx, convo.SpokeKey(sessionID), flag, s.opts.SpokeWindow); err != nil {
		log.Printf("delivery: set spoke flag for %s: %v", sessionID, err)
	}
}

func (s *Scheduler) snapshot(ctx context.Context, sessionID string) (convo.StateSnapshot, bool) {
	raw, ok, err := s.bus.Get(ctx, convo.SnapshotKey(sessionID))
	if err != nil {
		log.Printf("delivery: read snapshot for %s: %v", sessionID, err)
		return convo.StateSnapshot{}, false
	}
	if !ok {
		return convo.StateSnapshot{}, false
	}
	var snap convo.StateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Printf("delivery: malformed snapshot for %s: %v", sessionID, err)
		return convo.StateSnapshot{}, false
	}
	return snap, true
}

func (s *Scheduler) oldest(ctx context.Context, sessionID string, tier convo.Priority) (convo.CandidateResponse, []byte, bool) {
	items, err := s.bus.Items(ctx, convo.ResponseQueueKey(sessionID, tier))
	if err != nil {
		log.Printf("delivery: peek %s queue for %s: %v", tier, sessionID, err)
		return convo.CandidateResponse{}, nil, false
	}
	for _, raw := range items {
		var cand convo.CandidateResponse
		if err := json.Unmarshal(raw, &cand); err != nil {
			log.Printf("delivery: malformed %s item in %s, discarding: %v", tier, sessionID, err)
			s.take(ctx, sessionID, tier, raw)
			continue
		}
		return cand, raw, true
	}
	return convo.CandidateResponse{}, nil, false
}

// take removes one queue item; false means another consumer got there first.
func (s *Scheduler) take(ctx context.Context, sessionID string, tier convo.Priority, raw []byte) bool {
	removed, err := s.bus.Remove(ctx, convo.ResponseQueueKey(sessionID, tier), raw)
	if err != nil {
		log.Printf("delivery: remove %s item in %s: %v", tier, sessionID, err)
		return false
	}
	return removed
}

// relevant passes when the item's keywords intersect the active topic
// keywords. Either side empty passes by default so pre-inference items are
// never starved.
func relevant(itemKeywords, currentKeywords []string) bool {
	if len(currentKeywords) == 0 || len(itemKeywords) == 0 {
		return true
	}
	current := make(map[string]bool, len(currentKeywords))
	for _, k := range currentKeywords {
		current[k] = true
	}
	for _, k := range itemKeywords {
		if current[k] {
			return true
		}
	}
	return false
}

func overdue(tier convo.Priority, age time.Duration, opts Options) bool {
	switch tier {
	case convo.P1:
		return age > opts.P1Target
	case convo.P2, convo.P3:
		return age > opts.P2P3Target
	}
	return false
}
