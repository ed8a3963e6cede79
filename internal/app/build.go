package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/consilience-ai/consilience/internal/aggregator"
	"github.com/consilience-ai/consilience/internal/brain"
	"github.com/consilience-ai/consilience/internal/bus"
	"github.com/consilience-ai/consilience/internal/config"
	"github.com/consilience-ai/consilience/internal/delivery"
	"github.com/consilience-ai/consilience/internal/httpapi"
	"github.com/consilience-ai/consilience/internal/ingest"
	"github.com/consilience-ai/consilience/internal/listener"
	"github.com/consilience-ai/consilience/internal/observability"
	"github.com/consilience-ai/consilience/internal/orchestrator"
	"github.com/consilience-ai/consilience/internal/session"
	"github.com/consilience-ai/consilience/internal/specialist"
	"github.com/consilience-ai/consilience/internal/store"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Runtime  *Runtime
	Writer   *store.Writer
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	conversationBus, err := bus.New(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("bus init failed: %w", err)
	}

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = conversationBus.Close()
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	brainClient := brain.New(brain.Config{
		APIKey:    cfg.OpenAIAPIKey,
		Model:     cfg.BrainModel,
		FastModel: cfg.BrainFastModel,
	})

	specialists := specialist.NewGenerator(brainClient, cfg.MaxSpecialists)

	aggRunner := aggregator.NewRunner(conversationBus, brainClient, metrics, aggregator.RunnerOptions{
		Context: aggregator.Options{
			SilenceThreshold:   cfg.SilenceThreshold,
			BufferWindow:       cfg.BufferWindow,
			TopicEveryMessages: cfg.TopicEveryMessages,
			TopicEveryInterval: cfg.TopicEveryInterval,
		},
		PollInterval: cfg.PollInterval,
		StateTTL:     cfg.StateTTL,
		SnapshotTTL:  cfg.SnapshotTTL,
	})

	detector := listener.NewDetector(conversationBus, brainClient, metrics, listener.Options{
		PollInterval: cfg.PollInterval,
	})

	pipeline := orchestrator.New(conversationBus, brainClient, specialists, metrics, orchestrator.Options{
		PollInterval:         cfg.PollInterval,
		TriggerWaitTime:      cfg.TriggerWaitTime,
		TriggerWaitMessages:  cfg.TriggerWaitMessages,
		BackgroundStartDelay: cfg.BackgroundStartDelay,
		BackgroundInterval:   cfg.BackgroundInterval,
		DedupeHistoryWindow:  cfg.DedupeHistoryWindow,
	})

	scheduler := delivery.NewScheduler(conversationBus, metrics, delivery.Options{
		TickInterval:     cfg.PollInterval,
		SilenceThreshold: cfg.SilenceThreshold,
		P1Target:         cfg.P1Target,
		P2P3Target:       cfg.P2P3Target,
		ResponseTTL:      cfg.ResponseTTL,
		SpokeWindow:      cfg.SpokeWindow,
	})

	runtime := NewRuntime(ctx, aggRunner, detector, pipeline, scheduler)
	writer := store.NewWriter(conversationBus, st, cfg.StoreBatchSize)
	recorder := ingest.NewRecorder(conversationBus, metrics, cfg.StateTTL)

	sessions := session.NewManager(cfg.SessionIdleTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		runtime.StopSession(s.ID)
		recorder.Forget(s.ID)
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, runtime, recorder, conversationBus, st, metrics)

	cleanup := func() error {
		var errs []string
		runtime.Shutdown()
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := conversationBus.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Runtime:  runtime,
		Writer:   writer,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
