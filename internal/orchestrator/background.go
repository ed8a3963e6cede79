package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/consilience-ai/consilience/internal/convo"
	"github.com/consilience-ai/consilience/internal/specialist"
)

// backgroundAnalysis periodically scans the conversation for factual errors
// and stuck signals. It starts only after the startup delay so a brand-new
// session is never interrupted before real context exists.
func (o *Orchestrator) backgroundAnalysis(ctx context.Context, sessionID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.opts.BackgroundStartDelay):
	}
	log.Printf("orchestrator: background analysis active for %s (every %s)", sessionID, o.opts.BackgroundInterval)

	ticker := time.NewTicker(o.opts.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.backgroundCheck(ctx, sessionID)
	}
}

func (o *Orchestrator) backgroundCheck(ctx context.Context, sessionID string) {
	view := o.readView(ctx, sessionID)
	if len(view.Recent) == 0 {
		return
	}
	conversation := FormatRecent(view.Recent)

	errFinding, err := o.brain.DetectFactualError(ctx, conversation)
	if err != nil {
		log.Printf("orchestrator: factual error detection failed for %s: %v", sessionID, err)
		o.metrics.CapabilityErrors.WithLabelValues("factual_error").Inc()
	}
	if errFinding != nil {
		o.metrics.TriggerSignals.WithLabelValues(string(convo.TriggerFactualError)).Inc()
		issue := errFinding.Issue
		if issue == "" {
			issue = errFinding.Description
		}
		if o.isDuplicate(ctx, sessionID, view, issue) {
			log.Printf("orchestrator: factual error in %s already covered, skipping", sessionID)
		} else {
			perspectives := o.specialists.Generate(ctx, specialist.Request{
				Domains:       errFinding.Domains,
				TaskType:      "factual_correction",
				Context:       FormatContext(view),
				ActiveDomains: view.Topics.ActiveDomains,
				History:       FormatHistory(view.History),
			})
			text := "Quick correction: " + errFinding.Correction + "\n\n" + specialist.Format(perspectives)
			o.recordSynthesized(ctx, sessionID, text, convo.TriggerFactualError, errFinding.Domains, issue)
			o.enqueue(ctx, sessionID, convo.CandidateResponse{
				Priority:         convo.P1,
				Text:             text,
				TriggerKind:      convo.TriggerFactualError,
				Domains:          errFinding.Domains,
				Keywords:         append(append([]string(nil), view.Topics.ActiveDomains...), errFinding.Domains...),
				IssueDescription: issue,
			})
		}
	}

	stuck, err := o.brain.DetectStuck(ctx, conversation, FormatHistory(view.History))
	if err != nil {
		log.Printf("orchestrator: stuck detection failed for %s: %v", sessionID, err)
		o.metrics.CapabilityErrors.WithLabelValues("stuck").Inc()
	}
	if stuck != nil {
		o.metrics.TriggerSignals.WithLabelValues(string(convo.TriggerStuckSignal)).Inc()
		issue := stuck.Issue
		if issue == "" {
			issue = stuck.Description
		}
		if o.isDuplicate(ctx, sessionID, view, issue) {
			log.Printf("orchestrator: stuck signal in %s already covered, skipping", sessionID)
			return
		}
		priority := stuck.Priority
		if priority != convo.P2 && priority != convo.P3 {
			priority = convo.P2
		}
		perspectives := o.specialists.Generate(ctx, specialist.Request{
			Domains:       stuck.Domains,
			TaskType:      "provide_perspective",
			Context:       FormatContext(view),
			ActiveDomains: view.Topics.ActiveDomains,
			History:       FormatHistory(view.History),
		})
		text := specialist.Format(perspectives)
		o.recordSynthesized(ctx, sessionID, text, convo.TriggerStuckSignal, stuck.Domains, issue)
		o.enqueue(ctx, sessionID, convo.CandidateResponse{
			Priority:         priority,
			Text:             text,
			TriggerKind:      convo.TriggerStuckSignal,
			Domains:          stuck.Domains,
			Keywords:         append(append([]string(nil), view.Topics.ActiveDomains...), stuck.Domains...),
			IssueDescription: issue,
		})
	}
}

// isDuplicate reports whether the issue is already covered by a queued
// candidate in any tier or by a recent synthesized reply. Similarity check
// failures read as "not a duplicate"; generating twice beats staying silent
// on a real issue.
func (o *Orchestrator) isDuplicate(ctx context.Context, sessionID string, view convo.ContextView, issue string) bool {
	if issue == "" {
		return false
	}
	for _, tier := range convo.Tiers {
		items, err := o.bus.Items(ctx, convo.ResponseQueueKey(sessionID, tier))
		if err != nil {
			log.Printf("orchestrator: scan %s queue for %s: %v", tier, sessionID, err)
			continue
		}
		for _, raw := range items {
			queued := decodeCandidate(raw)
			if queued == nil || queued.IssueDescription == "" {
				continue
			}
			similar, err := o.brain.SimilarIssues(ctx, issue, queued.IssueDescription)
			if err != nil {
				log.Printf("orchestrator: similarity check failed for %s: %v", sessionID, err)
				o.metrics.CapabilityErrors.WithLabelValues("similarity").Inc()
				continue
			}
			if similar {
				return true
			}
		}
	}

	horizon := time.Now().Add(-o.opts.DedupeHistoryWindow)
	for _, note := range view.History {
		if note.IssueDescription == "" || note.Timestamp.Before(horizon) {
			continue
		}
		similar, err := o.brain.SimilarIssues(ctx, issue, note.IssueDescription)
		if err != nil {
			log.Printf("orchestrator: similarity check failed for %s: %v", sessionID, err)
			o.metrics.CapabilityErrors.WithLabelValues("similarity").Inc()
			continue
		}
		if similar {
			return true
		}
	}
	return false
}
