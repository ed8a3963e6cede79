// Package orchestrator is the decision pipeline: it consumes trigger signals,
// decides whether Consilience should speak, and runs the slower background
// analysis for factual errors and stuck conversations. All of its output is
// candidate responses on the priority queues; it never delivers anything
// itself.
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/consilience-ai/consilience/internal/aggregator"
	"github.com/consilience-ai/consilience/internal/brain"
	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/observability"
	"github.com/consilience-ai/consilience/internal/specialist"
)

const (
	clarifyGarbled   = "I didn't catch that clearly, could you repeat?"
	clarifyNoDomains = "I'm not sure I understand the question. Could you clarify?"
)

// Options configures both orchestrator activities.
type Options struct {
	PollInterval         time.Duration
	TriggerWaitTime      time.Duration
	TriggerWaitMessages  int
	BackgroundStartDelay time.Duration
	BackgroundInterval   time.Duration
	DedupeHistoryWindow  time.Duration
}

// Orchestrator runs the per-session decision pipeline.
type Orchestrator struct {
	bus         bus.Bus
	brain       brain.Client
	specialists *specialist.Generator
	metrics     *observability.Metrics
	opts        Options
}

func New(b bus.Bus, client brain.Client, specialists *specialist.Generator, m *observability.Metrics, opts Options) *Orchestrator {
	return &Orchestrator{bus: b, brain: client, specialists: specialists, metrics: m, opts: opts}
}

// Run drives both activities for one session until ctx is cancelled: the
// trigger consumer and the periodic background analysis.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.monitorTriggers(ctx, sessionID)
		return nil
	})
	g.Go(func() error {
		o.backgroundAnalysis(ctx, sessionID)
		return nil
	})
	_ = g.Wait()
}

func (o *Orchestrator) monitorTriggers(ctx context.Context, sessionID string) {
	triggerKey := convo.TriggerQueueKey(sessionID)
	for {
		payload, ok, err := o.bus.Pop(ctx, triggerKey, time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("orchestrator: pop trigger for %s: %v", sessionID, err)
			continue
		}
		if !ok {
			continue
		}
		var signal convo.TriggerSignal
		if err := json.Unmarshal(payload, &signal); err != nil {
			log.Printf("orchestrator: malformed trigger for %s: %v", sessionID, err)
			continue
		}
		o.processTrigger(ctx, sessionID, signal)
	}
}

// processTrigger takes one signal through the decision pipeline. Decision
// failures resolve to continue-monitoring: a lost answer is recoverable by
// asking again, an unwanted interruption is not.
func (o *Orchestrator) processTrigger(ctx context.Context, sessionID string, signal convo.TriggerSignal) {
	started := time.Now()
	defer func() { o.metrics.ObserveDecisionLatency(time.Since(started)) }()

	o.waitForContext(ctx, sessionID, signal.Seq)

	view := o.readView(ctx, sessionID)

	verified := false
	lastReply := ""
	if signal.PotentialFollowUp && len(view.History) > 0 {
		lastReply = view.History[len(view.History)-1].Text
		ok, err := o.brain.VerifyFollowUp(ctx, signal.Utterance.Speaker, signal.Utterance.Text, lastReply)
		if err != nil {
			log.Printf("orchestrator: follow-up verification failed for %s: %v", sessionID, err)
			o.metrics.CapabilityErrors.WithLabelValues("follow_up").Inc()
		} else {
			verified = ok
		}
		if !verified {
			lastReply = ""
		}
	}

	decision, err := o.brain.Decide(ctx, brain.DecisionInput{
		Trigger:          signal,
		Context:          FormatContext(view),
		ActiveDomains:    view.Topics.ActiveDomains,
		VerifiedFollowUp: verified,
		LastReply:        lastReply,
	})
	if err != nil {
		log.Printf("orchestrator: decision failed for %s seq=%d, continuing: %v", sessionID, signal.Seq, err)
		o.metrics.CapabilityErrors.WithLabelValues("decide").Inc()
		decision.Path = brain.PathContinue
	}
	o.metrics.Decisions.WithLabelValues(string(decision.Path)).Inc()
	log.Printf("orchestrator: %s seq=%d path=%s reasoning=%q", sessionID, signal.Seq, decision.Path, decision.Reasoning)

	var text, issue string
	var domains []string

	switch decision.Path {
	case brain.PathContinue:
		return
	case brain.PathClarify:
		text = clarifyGarbled
		issue = decision.Reasoning
	case brain.PathRespond:
		if len(decision.MissingDomains) == 0 {
			log.Printf("orchestrator: respond with no missing domains for %s, degrading to clarification", sessionID)
			o.metrics.Pipeline.ObserveIndicator("clarification_degraded")
			text = clarifyNoDomains
			issue = "unclear question, no expert domains identified"
			break
		}
		perspectives := o.specialists.Generate(ctx, specialist.Request{
			Domains:       decision.MissingDomains,
			TaskType:      decision.TaskType,
			Context:       FormatContext(view),
			ActiveDomains: view.Topics.ActiveDomains,
			History:       FormatHistory(view.History),
		})
		text = specialist.Format(perspectives)
		issue = decision.Reasoning
		domains = decision.MissingDomains
	default:
		log.Printf("orchestrator: unknown decision path %q for %s", decision.Path, sessionID)
		return
	}

	o.recordSynthesized(ctx, sessionID, text, signal.Kind, domains, issue)
	o.enqueue(ctx, sessionID, convo.CandidateResponse{
		Priority:         convo.P0,
		Text:             text,
		TriggerKind:      signal.Kind,
		TriggerSeq:       signal.Seq,
		Domains:          domains,
		Keywords:         append(append([]string(nil), decision.ActiveDomains...), decision.MissingDomains...),
		IssueDescription: issue,
	})
}

// waitForContext gives the speaker a short grace period to finish a thought
// that spans several utterances: it returns after the wait time elapses or
// enough newer messages have landed in the aggregator buffer.
func (o *Orchestrator) waitForContext(ctx context.Context, sessionID string, afterSeq int64) {
	deadline := time.Now().Add(o.opts.TriggerWaitTime)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		view := o.readView(ctx, sessionID)
		newer := 0
		for _, m := range view.Recent {
			if m.Seq > afterSeq {
				newer++
			}
		}
		if newer >= o.opts.TriggerWaitMessages {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// readView fetches the aggregator's current state; absence or decode failure
// yields an empty view rather than an error, matching the pipeline's posture
// that degraded context is better than no decision.
func (o *Orchestrator) readView(ctx context.Context, sessionID string) convo.ContextView {
	blob, ok, err := o.bus.Get(ctx, convo.StateKey(sessionID))
	if err != nil {
		log.Printf("orchestrator: read context state for %s: %v", sessionID, err)
		return convo.ContextView{SessionID: sessionID}
	}
	if !ok {
		return convo.ContextView{SessionID: sessionID}
	}
	view, err := aggregator.DecodeView(blob)
	if err != nil {
		log.Printf("orchestrator: decode context state for %s: %v", sessionID, err)
		return convo.ContextView{SessionID: sessionID}
	}
	return view
}

// recordSynthesized feeds the reply back through the aggregator input queue
// so future context includes it. Synthesized sequence numbers come from the
// wall clock; they only need to be distinct from transcript sequences.
func (o *Orchestrator) recordSynthesized(ctx context.Context, sessionID, text string, kind convo.TriggerKind, domains []string, issue string) {
	env := convo.IngestEnvelope{
		Utterance: convo.Utterance{
			Seq:       time.Now().UnixMilli(),
			Speaker:   "Consilience",
			Text:      text,
			Timestamp: time.Now().UTC(),
			Origin:    convo.OriginSynthesized,
		},
		TriggerKind:      kind,
		Domains:          domains,
		IssueDescription: issue,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("orchestrator: marshal synthesized reply for %s: %v", sessionID, err)
		return
	}
	if err := o.bus.Push(ctx, convo.InputQueueKey(sessionID), data); err != nil {
		log.Printf("orchestrator: record synthesized reply for %s: %v", sessionID, err)
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, sessionID string, resp convo.CandidateResponse) {
	resp.ID = uuid.NewString()
	resp.SessionID = sessionID
	resp.CreatedAt = time.Now().UTC()
	resp.Status = convo.StatusQueued

	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("orchestrator: marshal candidate for %s: %v", sessionID, err)
		return
	}
	if err := o.bus.Push(ctx, convo.ResponseQueueKey(sessionID, resp.Priority), data); err != nil {
		log.Printf("orchestrator: enqueue %s candidate for %s: %v", resp.Priority, sessionID, err)
		return
	}
	o.metrics.ResponsesQueued.WithLabelValues(string(resp.Priority)).Inc()
	log.Printf("orchestrator: queued %s response %s for %s", resp.Priority, resp.ID, sessionID)
}
