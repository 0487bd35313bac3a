package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the memory pipeline service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	SessionInactivityTimeout time.Duration

	// ClassifyTimeout bounds the external scorer call per turn.
	ClassifyTimeout time.Duration
	// RetrieveTimeout bounds each retrieval sub-query independently.
	RetrieveTimeout time.Duration
	GenerateTimeout time.Duration

	MaxResults      int
	RecentWindow    int
	ContextMaxChars int

	EmbeddingDim     int
	BackfillInterval time.Duration

	StoreRetryBackoff time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "recall"),
		AllowAnyOrigin:           false,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		ClassifyTimeout:          3 * time.Second,
		RetrieveTimeout:          2 * time.Second,
		GenerateTimeout:          30 * time.Second,
		MaxResults:               5,
		RecentWindow:             3,
		ContextMaxChars:          500,
		EmbeddingDim:             384,
		BackfillInterval:         time.Minute,
		StoreRetryBackoff:        200 * time.Millisecond,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ClassifyTimeout, err = durationFromEnv("MEMORY_CLASSIFY_TIMEOUT", cfg.ClassifyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrieveTimeout, err = durationFromEnv("MEMORY_RETRIEVE_TIMEOUT", cfg.RetrieveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("MEMORY_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BackfillInterval, err = durationFromEnv("MEMORY_BACKFILL_INTERVAL", cfg.BackfillInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreRetryBackoff, err = durationFromEnv("MEMORY_STORE_RETRY_BACKOFF", cfg.StoreRetryBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxResults, err = intFromEnv("MEMORY_MAX_RESULTS", cfg.MaxResults)
	if err != nil {
		return Config{}, err
	}
	cfg.RecentWindow, err = intFromEnv("MEMORY_RECENT_WINDOW", cfg.RecentWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextMaxChars, err = intFromEnv("MEMORY_CONTEXT_MAX_CHARS", cfg.ContextMaxChars)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MaxResults <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MAX_RESULTS must be positive")
	}
	if cfg.RecentWindow < 0 {
		return Config{}, fmt.Errorf("MEMORY_RECENT_WINDOW must be >= 0")
	}
	if cfg.ContextMaxChars <= 0 {
		return Config{}, fmt.Errorf("MEMORY_CONTEXT_MAX_CHARS must be positive")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
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
