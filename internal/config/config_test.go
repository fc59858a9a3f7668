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

	if cfg.MemoryBackend != "postgres" {
		t.Fatalf("MemoryBackend = %q, want %q", cfg.MemoryBackend, "postgres")
	}
	if cfg.CandidateMaxTopK != 5 || cfg.PresentedTopK != 3 {
		t.Fatalf("top_k defaults = (%d, %d), want (5, 3)", cfg.CandidateMaxTopK, cfg.PresentedTopK)
	}
	if cfg.TranslatorMode != "auto" {
		t.Fatalf("TranslatorMode = %q, want %q", cfg.TranslatorMode, "auto")
	}
	if cfg.TranslatorTimeout != 8*time.Second {
		t.Fatalf("TranslatorTimeout = %v, want 8s", cfg.TranslatorTimeout)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_BACKEND", "mongodb")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject unknown MEMORY_BACKEND")
	}
}

func TestLoadRejectsPresentedAboveMax(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CANDIDATE_MAX_TOP_K", "3")
	t.Setenv("CANDIDATE_PRESENTED_TOP_K", "4")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject presented top_k above max")
	}
}

func TestLoadParsesLists(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PII_FIELD_PATTERNS", "nickname, alias ,")
	t.Setenv("PROTECTED_TERMS", "AcmeCorp")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.PIIFieldPatterns) != 2 || cfg.PIIFieldPatterns[0] != "nickname" || cfg.PIIFieldPatterns[1] != "alias" {
		t.Fatalf("PIIFieldPatterns = %v, want [nickname alias]", cfg.PIIFieldPatterns)
	}
	if len(cfg.ProtectedTerms) != 1 || cfg.ProtectedTerms[0] != "AcmeCorp" {
		t.Fatalf("ProtectedTerms = %v, want [AcmeCorp]", cfg.ProtectedTerms)
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
		"MEMORY_BACKEND",
		"POSTGRES_DSN",
		"DYNAMO_TABLE",
		"DYNAMO_REGION",
		"MIGRATION_BATCH_SIZE",
		"TRANSLATOR_MODE",
		"TRANSLATOR_URL",
		"TRANSLATOR_TIMEOUT",
		"CANDIDATE_MAX_TOP_K",
		"CANDIDATE_PRESENTED_TOP_K",
		"GRAPH_MODE",
		"GRAPH_HTTP_URL",
		"SEARCH_BRIDGE_URL",
		"QUERY_TIMEOUT",
		"PII_FIELD_PATTERNS",
		"PROTECTED_TERMS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
