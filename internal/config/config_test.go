package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if cfg.MaxResults != 5 {
		t.Fatalf("MaxResults = %d, want 5", cfg.MaxResults)
	}
	if cfg.ContextMaxChars != 500 {
		t.Fatalf("ContextMaxChars = %d, want 500", cfg.ContextMaxChars)
	}
	if cfg.RecentWindow != 3 {
		t.Fatalf("RecentWindow = %d, want 3", cfg.RecentWindow)
	}
}

func TestLoadParsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_RETRIEVE_TIMEOUT", "750ms")
	t.Setenv("MEMORY_MAX_RESULTS", "10")
	t.Setenv("DATABASE_URL", "  postgres://localhost/recall  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RetrieveTimeout != 750*time.Millisecond {
		t.Fatalf("RetrieveTimeout = %v, want 750ms", cfg.RetrieveTimeout)
	}
	if cfg.MaxResults != 10 {
		t.Fatalf("MaxResults = %d, want 10", cfg.MaxResults)
	}
	if cfg.DatabaseURL != "postgres://localhost/recall" {
		t.Fatalf("DatabaseURL = %q, want trimmed value", cfg.DatabaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_MAX_RESULTS", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject MEMORY_MAX_RESULTS=0")
	}

	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_CONTEXT_MAX_CHARS", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject non-numeric MEMORY_CONTEXT_MAX_CHARS")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
		"MEMORY_CLASSIFY_TIMEOUT",
		"MEMORY_RETRIEVE_TIMEOUT",
		"MEMORY_GENERATE_TIMEOUT",
		"MEMORY_MAX_RESULTS",
		"MEMORY_RECENT_WINDOW",
		"MEMORY_CONTEXT_MAX_CHARS",
		"MEMORY_EMBEDDING_DIM",
		"MEMORY_BACKFILL_INTERVAL",
		"MEMORY_STORE_RETRY_BACKOFF",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
