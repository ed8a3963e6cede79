// Package listener watches a session's ordered message set and emits trigger
// signals for the decision pipeline. It is the only component that decides
// when a signal exists at all; what to do with one is the orchestrator's job.
package listener

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

// Options configures the detection loop.
type Options struct {
	PollInterval time.Duration
}

// Detector runs per-session trigger detection loops.
type Detector struct {
	bus     bus.Bus
	brain   brain.Client
	metrics *observability.Metrics
	opts    Options
}

func NewDetector(b bus.Bus, client brain.Client, m *observability.Metrics, opts Options) *Detector {
	return &Detector{bus: b, brain: client, metrics: m, opts: opts}
}

// Run monitors sessionID until ctx is cancelled. Each utterance is examined
// exactly once: the cursor advances monotonically and the processed set guards
// against re-reads within a poll overlap. Synthesized utterances are skipped
// outright so the system never triggers on its own output.
func (d *Detector) Run(ctx context.Context, sessionID string) {
	messagesKey := convo.MessagesKey(sessionID)
	triggerKey := convo.TriggerQueueKey(sessionID)

	var lastSeq int64
	processed := make(map[int64]bool)

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		members, err := d.bus.OrderedSince(ctx, messagesKey, lastSeq)
		if err != nil {
			log.Printf("listener: read messages for %s: %v", sessionID, err)
			continue
		}

		for _, m := range members {
			if processed[m.Score] {
				continue
			}
			processed[m.Score] = true

			var utt convo.Utterance
			if err := json.Unmarshal(m.Payload, &utt); err != nil {
				log.Printf("listener: malformed message %d in %s: %v", m.Score, sessionID, err)
				lastSeq = m.Score
				continue
			}

			if utt.Origin == convo.OriginSynthesized {
				lastSeq = m.Score
				continue
			}

			d.examine(ctx, sessionID, triggerKey, utt)
			lastSeq = m.Score
		}

		if len(processed) > 4096 {
			for seq := range processed {
				if seq <= lastSeq {
					delete(processed, seq)
				}
			}
		}
	}
}

// examine emits at most one signal for the utterance: explicit address,
// follow-up window, or nothing. Address detection failures read as "not
// addressed"; a missed trigger beats a phantom one.
func (d *Detector) examine(ctx context.Context, sessionID, triggerKey string, utt convo.Utterance) {
	explicit := false
	addressed, err := d.brain.DetectAddress(ctx, utt.Speaker, utt.Text)
	if err != nil {
		log.Printf("listener: address detection failed for %s seq=%d: %v", sessionID, utt.Seq, err)
		d.metrics.CapabilityErrors.WithLabelValues("address").Inc()
	} else {
		explicit = addressed
	}

	followUp := d.inFollowUpWindow(ctx, sessionID)
	if !explicit && !followUp {
		return
	}

	signal := convo.TriggerSignal{
		Seq:               utt.Seq,
		Kind:              convo.TriggerExplicit,
		Utterance:         utt,
		PotentialFollowUp: followUp,
	}
	data, err := json.Marshal(signal)
	if err != nil {
		log.Printf("listener: marshal signal for %s seq=%d: %v", sessionID, utt.Seq, err)
		return
	}
	if err := d.bus.Push(ctx, triggerKey, data); err != nil {
		log.Printf("listener: push signal for %s seq=%d: %v", sessionID, utt.Seq, err)
		return
	}
	d.metrics.TriggerSignals.WithLabelValues(string(convo.TriggerExplicit)).Inc()
}

// inFollowUpWindow reports whether the spoke flag is still live. The flag's
// bus TTL is the window; presence alone is the answer.
func (d *Detector) inFollowUpWindow(ctx context.Context, sessionID string) bool {
	_, ok, err := d.bus.Get(ctx, convo.SpokeKey(sessionID))
	if err != nil {
		log.Printf("listener: read spoke flag for %s: %v", sessionID, err)
		return false
	}
	return ok
}
