package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/observability"
)

func testOptions() Options {
	return Options{
		TickInterval:     10 * time.Millisecond,
		SilenceThreshold: 40 * time.Millisecond,
		P1Target:         time.Minute,
		P2P3Target:       5 * time.Minute,
		ResponseTTL:      2 * time.Minute,
		SpokeWindow:      30 * time.Second,
	}
}

func newTestScheduler(t *testing.T, b bus.Bus, ns string) *Scheduler {
	t.Helper()
	return NewScheduler(b, observability.NewMetrics("test_delivery_"+ns), testOptions())
}

func queueCandidate(t *testing.T, b bus.Bus, sessionID string, cand convo.CandidateResponse) {
	t.Helper()
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}
	if cand.Status == "" {
		cand.Status = convo.StatusQueued
	}
	data, err := json.Marshal(cand)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Push(context.Background(), convo.ResponseQueueKey(sessionID, cand.Priority), data); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func setSnapshot(t *testing.T, b bus.Bus, sessionID string, silent bool, keywords []string) {
	t.Helper()
	snap, err := json.Marshal(convo.StateSnapshot{
		SessionID: sessionID, Silent: silent, Keywords: keywords,
		LastUtteranceAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := b.Set(context.Background(), convo.SnapshotKey(sessionID), snap, time.Minute); err != nil {
		t.Fatalf("Set snapshot: %v", err)
	}
}

func popDelivery(t *testing.T, b bus.Bus, sessionID string) (convo.Delivery, bool) {
	t.Helper()
	raw, ok, err := b.Pop(context.Background(), convo.DeliveriesKey(sessionID), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Pop deliveries: %v", err)
	}
	if !ok {
		return convo.Delivery{}, false
	}
	var d convo.Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("unmarshal delivery: %v", err)
	}
	return d, true
}

func TestP0DeliveredWithoutSnapshot(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "p0")
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "r1", SessionID: "s1", Priority: convo.P0, Text: "direct answer", TriggerSeq: 7,
	})

	// No snapshot published at all; P0 still goes out.
	when := s.tick(context.Background(), "s1", time.Time{})
	if when.IsZero() {
		t.Fatalf("P0 must deliver on the next tick")
	}
	d, ok := popDelivery(t, b, "s1")
	if !ok || d.ID != "r1" || d.Priority != convo.P0 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestP0IgnoresSilenceAndSpacing(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "p0gate")
	setSnapshot(t, b, "s1", false, nil)
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "r1", SessionID: "s1", Priority: convo.P0, Text: "now",
	})

	// Active conversation and a delivery one instant ago; P0 goes anyway.
	when := s.tick(context.Background(), "s1", time.Now())
	if when.IsZero() {
		t.Fatalf("P0 must bypass the silence and spacing gates")
	}
}

func TestLowerTiersWaitForSilence(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "silence")
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "r1", SessionID: "s1", Priority: convo.P1, Text: "a correction",
	})

	setSnapshot(t, b, "s1", false, nil)
	if when := s.tick(context.Background(), "s1", time.Time{}); !when.IsZero() {
		t.Fatalf("P1 must not deliver while the conversation is active")
	}

	setSnapshot(t, b, "s1", true, nil)
	if when := s.tick(context.Background(), "s1", time.Time{}); when.IsZero() {
		t.Fatalf("P1 should deliver once silent")
	}
}

func TestSpacingBetweenDeliveries(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "spacing")
	setSnapshot(t, b, "s1", true, nil)
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "r1", SessionID: "s1", Priority: convo.P2, Text: "a thought",
	})

	if when := s.tick(context.Background(), "s1", time.Now()); !when.IsZero() {
		t.Fatalf("a just-delivered session must wait out the spacing gate")
	}
	if when := s.tick(context.Background(), "s1", time.Now().Add(-time.Second)); when.IsZero() {
		t.Fatalf("spacing long past, delivery expected")
	}
}

func TestExpiredCandidateDropped(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "expired")
	setSnapshot(t, b, "s1", true, nil)
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "old", SessionID: "s1", Priority: convo.P1, Text: "stale",
		CreatedAt: time.Now().Add(-10 * time.Minute),
	})
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "fresh", SessionID: "s1", Priority: convo.P1, Text: "current",
	})

	when := s.tick(context.Background(), "s1", time.Time{})
	if when.IsZero() {
		t.Fatalf("expected the fresh item to deliver")
	}
	d, ok := popDelivery(t, b, "s1")
	if !ok || d.ID != "fresh" {
		t.Fatalf("expired item should be skipped and dropped, delivered %+v", d)
	}
	items, err := b.Items(context.Background(), convo.ResponseQueueKey("s1", convo.P1))
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expired item should be removed from the queue, %d left", len(items))
	}
}

func TestIrrelevantCandidateDropped(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "irrelevant")
	setSnapshot(t, b, "s1", true, []string{"kubernetes", "rollout"})
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "offtopic", SessionID: "s1", Priority: convo.P2, Text: "about databases",
		Keywords: []string{"postgres", "index"},
	})
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "ontopic", SessionID: "s1", Priority: convo.P2, Text: "about the rollout",
		Keywords: []string{"rollout"},
	})

	when := s.tick(context.Background(), "s1", time.Time{})
	if when.IsZero() {
		t.Fatalf("expected the on-topic item to deliver")
	}
	d, _ := popDelivery(t, b, "s1")
	if d.ID != "ontopic" {
		t.Fatalf("wrong item delivered: %+v", d)
	}
}

func TestRelevanceFailsOpen(t *testing.T) {
	if !relevant(nil, []string{"kubernetes"}) {
		t.Fatalf("item without keywords must pass")
	}
	if !relevant([]string{"postgres"}, nil) {
		t.Fatalf("empty topic keywords must pass everything")
	}
	if relevant([]string{"postgres"}, []string{"kubernetes"}) {
		t.Fatalf("disjoint keyword sets must not pass")
	}
	if !relevant([]string{"postgres", "index"}, []string{"index"}) {
		t.Fatalf("intersecting sets must pass")
	}
}

func TestTierOrderP1BeforeP2(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "tiers")
	setSnapshot(t, b, "s1", true, nil)
	queueCandidate(t, b, "s1", convo.CandidateResponse{ID: "low", SessionID: "s1", Priority: convo.P2, Text: "later"})
	queueCandidate(t, b, "s1", convo.CandidateResponse{ID: "high", SessionID: "s1", Priority: convo.P1, Text: "sooner"})

	s.tick(context.Background(), "s1", time.Time{})
	d, ok := popDelivery(t, b, "s1")
	if !ok || d.ID != "high" {
		t.Fatalf("P1 must be scanned before P2, delivered %+v", d)
	}
}

func TestDeliverySetsSpokeFlagAndWriteRecord(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "spoke")
	queueCandidate(t, b, "s1", convo.CandidateResponse{
		ID: "r1", SessionID: "s1", Priority: convo.P0, Text: "answer", TriggerSeq: 3,
	})

	s.tick(context.Background(), "s1", time.Time{})

	raw, ok, err := b.Get(context.Background(), convo.SpokeKey("s1"))
	if err != nil || !ok {
		t.Fatalf("spoke flag not set (ok=%v err=%v)", ok, err)
	}
	var flag convo.SpokeFlag
	if err := json.Unmarshal(raw, &flag); err != nil {
		t.Fatalf("unmarshal flag: %v", err)
	}
	if flag.Seq != 3 {
		t.Fatalf("flag should carry the trigger seq, got %+v", flag)
	}

	rec, ok, err := b.Pop(context.Background(), convo.WriteQueueKey(), 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected a persistence record (ok=%v err=%v)", ok, err)
	}
	var wr convo.WriteRecord
	if err := json.Unmarshal(rec, &wr); err != nil {
		t.Fatalf("unmarshal write record: %v", err)
	}
	if wr.Kind != convo.WriteDelivery || wr.Delivery == nil || wr.Delivery.ID != "r1" {
		t.Fatalf("wrong write record: %+v", wr)
	}
}

func TestOneDeliveryPerTick(t *testing.T) {
	b := bus.NewMemoryBus()
	s := newTestScheduler(t, b, "onepttick")
	queueCandidate(t, b, "s1", convo.CandidateResponse{ID: "a", SessionID: "s1", Priority: convo.P0, Text: "one"})
	queueCandidate(t, b, "s1", convo.CandidateResponse{ID: "b", SessionID: "s1", Priority: convo.P0, Text: "two"})

	s.tick(context.Background(), "s1", time.Time{})
	items, err := b.Items(context.Background(), convo.DeliveriesKey("s1"))
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one delivery per tick, got %d", len(items))
	}
}
