package aggregator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/consilience-ai/consilience/internal/brain"
	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/observability"
)

// RunnerOptions configures one session's aggregation loop.
type RunnerOptions struct {
	Context      Options
	PollInterval time.Duration
	StateTTL     time.Duration
	SnapshotTTL  time.Duration
}

// Runner drains a session's input queue into its ConversationContext and
// republishes state after every cycle. One Runner per session, one goroutine.
type Runner struct {
	bus     bus.Bus
	brain   brain.Client
	metrics *observability.Metrics
	opts    RunnerOptions
}

func NewRunner(b bus.Bus, client brain.Client, m *observability.Metrics, opts RunnerOptions) *Runner {
	return &Runner{bus: b, brain: client, metrics: m, opts: opts}
}

// Run owns sessionID's conversational state until ctx is cancelled. Prior
// state is restored from the bus blob when present, so a restart or handoff
// resumes mid-session. Capability failures degrade and are counted; the loop
// itself only exits on cancellation.
func (r *Runner) Run(ctx context.Context, sessionID string) {
	cc := r.restore(ctx, sessionID)
	inputKey := convo.InputQueueKey(sessionID)

	for {
		payload, ok, err := r.bus.Pop(ctx, inputKey, r.opts.PollInterval)
		if ctx.Err() != nil {
			r.persist(ctx, cc)
			return
		}
		if err != nil {
			log.Printf("aggregator: pop input for %s: %v", sessionID, err)
			continue
		}
		if ok {
			r.ingest(ctx, cc, payload)
		}

		if cc.ShouldInferTopics() {
			if err := cc.InferTopics(ctx); err != nil {
				log.Printf("aggregator: topic inference failed for %s: %v", sessionID, err)
				r.metrics.CapabilityErrors.WithLabelValues("topics").Inc()
			}
		}

		if cc.ShouldSummarize() {
			r.summarize(ctx, sessionID, cc)
		}

		r.persist(ctx, cc)
	}
}

func (r *Runner) ingest(ctx context.Context, cc *ConversationContext, payload []byte) {
	var env convo.IngestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("aggregator: malformed input for %s: %v", cc.sessionID, err)
		return
	}
	if env.Utterance.Origin == convo.OriginSynthesized {
		cc.RecordSynthesized(ctx, env.Utterance, env.TriggerKind, env.Domains, env.IssueDescription)
	} else {
		cc.Ingest(ctx, env.Utterance)
	}
	r.metrics.Utterances.WithLabelValues(string(env.Utterance.Origin)).Inc()
}

func (r *Runner) summarize(ctx context.Context, sessionID string, cc *ConversationContext) {
	started := time.Now()
	record, err := cc.Summarize(ctx)
	if err != nil {
		log.Printf("aggregator: summarization failed for %s, buffer retained: %v", sessionID, err)
		r.metrics.CapabilityErrors.WithLabelValues("summarize").Inc()
		return
	}
	r.metrics.Summaries.Inc()
	r.metrics.ObserveSummarizeLatency(time.Since(started))

	data, err := json.Marshal(convo.WriteRecord{Kind: convo.WriteSummary, Summary: &record})
	if err != nil {
		log.Printf("aggregator: marshal summary record for %s: %v", sessionID, err)
		return
	}
	if err := r.bus.Push(ctx, convo.WriteQueueKey(), data); err != nil {
		log.Printf("aggregator: enqueue summary write for %s: %v", sessionID, err)
	}
}

// persist writes the full state blob and the short-lived derived snapshot.
// The final persist on shutdown uses a fresh context because the loop's is
// already cancelled.
func (r *Runner) persist(ctx context.Context, cc *ConversationContext) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if blob, err := cc.MarshalState(); err != nil {
		log.Printf("aggregator: marshal state for %s: %v", cc.sessionID, err)
	} else if err := r.bus.Set(ctx, convo.StateKey(cc.sessionID), blob, r.opts.StateTTL); err != nil {
		log.Printf("aggregator: persist state for %s: %v", cc.sessionID, err)
	}

	snap, err := json.Marshal(cc.Snapshot())
	if err != nil {
		log.Printf("aggregator: marshal snapshot for %s: %v", cc.sessionID, err)
		return
	}
	if err := r.bus.Set(ctx, convo.SnapshotKey(cc.sessionID), snap, r.opts.SnapshotTTL); err != nil {
		log.Printf("aggregator: publish snapshot for %s: %v", cc.sessionID, err)
	}
}

func (r *Runner) restore(ctx context.Context, sessionID string) *ConversationContext {
	blob, ok, err := r.bus.Get(ctx, convo.StateKey(sessionID))
	if err != nil {
		log.Printf("aggregator: read state for %s: %v", sessionID, err)
	}
	if ok {
		cc, err := RestoreState(blob, r.brain, r.opts.Context)
		if err == nil {
			log.Printf("aggregator: resumed state for %s (%d buffered)", sessionID, len(cc.buffer))
			return cc
		}
		log.Printf("aggregator: stale state for %s, starting fresh: %v", sessionID, err)
	}
	return NewConversationContext(sessionID, r.brain, r.opts.Context)
}
