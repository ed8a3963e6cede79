package app

import (
	"context"
	"log"
	"sync"

	"github.com/consilience-ai/consilience/internal/aggregator"
	"github.com/consilience-ai/consilience/internal/delivery"
	"github.com/consilience-ai/consilience/internal/listener"
	"github.com/consilience-ai/consilience/internal/orchestrator"
)

// Runtime owns the per-session component loops: aggregator, listener,
// orchestrator and delivery scheduler. One goroutine each per session, all
// stopped together through a shared cancel.
type Runtime struct {
	base context.Context

	aggregator *aggregator.Runner
	listener   *listener.Detector
	pipeline   *orchestrator.Orchestrator
	scheduler  *delivery.Scheduler

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRuntime(base context.Context, agg *aggregator.Runner, det *listener.Detector, pipe *orchestrator.Orchestrator, sched *delivery.Scheduler) *Runtime {
	return &Runtime{
		base:       base,
		aggregator: agg,
		listener:   det,
		pipeline:   pipe,
		scheduler:  sched,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// StartSession launches the four component loops for a session. Idempotent;
// a second start for a live session is a no-op.
func (rt *Runtime) StartSession(sessionID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, running := rt.cancels[sessionID]; running {
		return
	}

	ctx, cancel := context.WithCancel(rt.base)
	rt.cancels[sessionID] = cancel

	loops := []func(context.Context, string){
		rt.aggregator.Run,
		rt.listener.Run,
		rt.pipeline.Run,
		rt.scheduler.Run,
	}
	for _, loop := range loops {
		loop := loop
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			loop(ctx, sessionID)
		}()
	}
	log.Printf("app: started component loops for session %s", sessionID)
}

// StopSession cancels a session's loops. Safe to call for unknown sessions.
func (rt *Runtime) StopSession(sessionID string) {
	rt.mu.Lock()
	cancel, ok := rt.cancels[sessionID]
	if ok {
		delete(rt.cancels, sessionID)
	}
	rt.mu.Unlock()
	if ok {
		cancel()
		log.Printf("app: stopped component loops for session %s", sessionID)
	}
}

// Shutdown stops every session and waits for the loops to drain.
func (rt *Runtime) Shutdown() {
	rt.mu.Lock()
	for id, cancel := range rt.cancels {
		cancel()
		delete(rt.cancels, id)
	}
	rt.mu.Unlock()
	rt.wg.Wait()
}
