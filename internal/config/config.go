package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conversation moderator service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	RedisURL    string
	DatabaseURL string

	OpenAIAPIKey   string
	BrainModel     string
	BrainFastModel string

	SessionIdleTimeout time.Duration

	// Context aggregation.
	PollInterval        time.Duration
	SilenceThreshold    time.Duration
	BufferWindow        time.Duration
	TopicEveryMessages  int
	TopicEveryInterval  time.Duration
	StateTTL            time.Duration
	SnapshotTTL         time.Duration

	// Decision pipeline.
	TriggerWaitTime      time.Duration
	TriggerWaitMessages  int
	BackgroundStartDelay time.Duration
	BackgroundInterval   time.Duration
	DedupeHistoryWindow  time.Duration
	MaxSpecialists       int

	// Delivery scheduling.
	P1Target       time.Duration
	P2P3Target     time.Duration
	ResponseTTL    time.Duration
	SpokeWindow    time.Duration
	StoreBatchSize int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "consilience"),
		AllowAnyOrigin:       false,
		RedisURL:             stringsTrimSpace("REDIS_URL"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		OpenAIAPIKey:         stringsTrimSpace("OPENAI_API_KEY"),
		BrainModel:           envOrDefault("BRAIN_MODEL", "gpt-4o"),
		BrainFastModel:       envOrDefault("BRAIN_FAST_MODEL", "gpt-4o-mini"),
		ShutdownTimeout:      15 * time.Second,
		SessionIdleTimeout:   time.Hour,
		PollInterval:         500 * time.Millisecond,
		SilenceThreshold:     4 * time.Second,
		BufferWindow:         120 * time.Second,
		TopicEveryMessages:   5,
		TopicEveryInterval:   30 * time.Second,
		StateTTL:             time.Hour,
		SnapshotTTL:          10 * time.Second,
		TriggerWaitTime:      5 * time.Second,
		TriggerWaitMessages:  5,
		BackgroundStartDelay: 120 * time.Second,
		BackgroundInterval:   90 * time.Second,
		DedupeHistoryWindow:  5 * time.Minute,
		MaxSpecialists:       2,
		P1Target:             30 * time.Second,
		P2P3Target:           90 * time.Second,
		ResponseTTL:          120 * time.Second,
		SpokeWindow:          30 * time.Second,
		StoreBatchSize:       10,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("CONVO_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceThreshold, err = durationFromEnv("CONVO_SILENCE_THRESHOLD", cfg.SilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BufferWindow, err = durationFromEnv("CONVO_BUFFER_WINDOW", cfg.BufferWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.TopicEveryMessages, err = intFromEnv("CONVO_TOPIC_EVERY_MESSAGES", cfg.TopicEveryMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.TopicEveryInterval, err = durationFromEnv("CONVO_TOPIC_EVERY_INTERVAL", cfg.TopicEveryInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TriggerWaitTime, err = durationFromEnv("PIPELINE_TRIGGER_WAIT", cfg.TriggerWaitTime)
	if err != nil {
		return Config{}, err
	}
	cfg.TriggerWaitMessages, err = intFromEnv("PIPELINE_TRIGGER_WAIT_MESSAGES", cfg.TriggerWaitMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.BackgroundStartDelay, err = durationFromEnv("PIPELINE_BACKGROUND_START_DELAY", cfg.BackgroundStartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.BackgroundInterval, err = durationFromEnv("PIPELINE_BACKGROUND_INTERVAL", cfg.BackgroundInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSpecialists, err = intFromEnv("PIPELINE_MAX_SPECIALISTS", cfg.MaxSpecialists)
	if err != nil {
		return Config{}, err
	}
	cfg.P1Target, err = durationFromEnv("DELIVERY_P1_TARGET", cfg.P1Target)
	if err != nil {
		return Config{}, err
	}
	cfg.P2P3Target, err = durationFromEnv("DELIVERY_P2P3_TARGET", cfg.P2P3Target)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseTTL, err = durationFromEnv("DELIVERY_RESPONSE_TTL", cfg.ResponseTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SpokeWindow, err = durationFromEnv("DELIVERY_SPOKE_WINDOW", cfg.SpokeWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreBatchSize, err = intFromEnv("STORE_BATCH_SIZE", cfg.StoreBatchSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("CONVO_POLL_INTERVAL must be positive")
	}
	if cfg.SilenceThreshold <= 0 {
		return Config{}, fmt.Errorf("CONVO_SILENCE_THRESHOLD must be positive")
	}
	if cfg.BufferWindow <= 0 {
		return Config{}, fmt.Errorf("CONVO_BUFFER_WINDOW must be positive")
	}
	if cfg.TopicEveryMessages <= 0 {
		return Config{}, fmt.Errorf("CONVO_TOPIC_EVERY_MESSAGES must be positive")
	}
	if cfg.TriggerWaitMessages <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_TRIGGER_WAIT_MESSAGES must be positive")
	}
	if cfg.MaxSpecialists <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_MAX_SPECIALISTS must be positive")
	}
	if cfg.ResponseTTL <= cfg.P1Target {
		return Config{}, fmt.Errorf("DELIVERY_RESPONSE_TTL must exceed DELIVERY_P1_TARGET")
	}
	if cfg.StoreBatchSize <= 0 {
		return Config{}, fmt.Errorf("STORE_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
