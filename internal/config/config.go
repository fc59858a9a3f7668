package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the spindle service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Memory persistence.
	MemoryBackend      string
	PostgresDSN        string
	DynamoTable        string
	DynamoRegion       string
	MigrationBatchSize int

	// Translation collaborator.
	TranslatorMode    string
	TranslatorURL     string
	TranslatorTimeout time.Duration
	CandidateMaxTopK  int
	PresentedTopK     int

	// Graph collaborator and the stored-search bridge.
	GraphMode       string
	GraphHTTPURL    string
	SearchBridgeURL string
	QueryTimeout    time.Duration

	// Redaction and response formatting.
	PIIFieldPatterns []string
	ProtectedTerms   []string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "spindle"),
		AllowAnyOrigin:           false,
		MemoryBackend:            strings.ToLower(envOrDefault("MEMORY_BACKEND", "postgres")),
		PostgresDSN:              trimmedEnv("POSTGRES_DSN"),
		DynamoTable:              trimmedEnv("DYNAMO_TABLE"),
		DynamoRegion:             envOrDefault("DYNAMO_REGION", "eu-central-1"),
		MigrationBatchSize:       200,
		TranslatorMode:           envOrDefault("TRANSLATOR_MODE", "auto"),
		TranslatorURL:            trimmedEnv("TRANSLATOR_URL"),
		TranslatorTimeout:        8 * time.Second,
		CandidateMaxTopK:         5,
		PresentedTopK:            3,
		GraphMode:                envOrDefault("GRAPH_MODE", "auto"),
		GraphHTTPURL:             trimmedEnv("GRAPH_HTTP_URL"),
		SearchBridgeURL:          trimmedEnv("SEARCH_BRIDGE_URL"),
		QueryTimeout:             15 * time.Second,
		PIIFieldPatterns:         splitList(os.Getenv("PII_FIELD_PATTERNS")),
		ProtectedTerms:           splitList(os.Getenv("PROTECTED_TERMS")),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
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
	cfg.TranslatorTimeout, err = durationFromEnv("TRANSLATOR_TIMEOUT", cfg.TranslatorTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.QueryTimeout, err = durationFromEnv("QUERY_TIMEOUT", cfg.QueryTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CandidateMaxTopK, err = intFromEnv("CANDIDATE_MAX_TOP_K", cfg.CandidateMaxTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.PresentedTopK, err = intFromEnv("CANDIDATE_PRESENTED_TOP_K", cfg.PresentedTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.MigrationBatchSize, err = intFromEnv("MIGRATION_BATCH_SIZE", cfg.MigrationBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch cfg.MemoryBackend {
	case "postgres", "dynamo", "inmemory":
	default:
		return Config{}, fmt.Errorf("MEMORY_BACKEND must be postgres, dynamo or inmemory, got %q", cfg.MemoryBackend)
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.CandidateMaxTopK <= 0 {
		return Config{}, fmt.Errorf("CANDIDATE_MAX_TOP_K must be positive")
	}
	if cfg.PresentedTopK <= 0 || cfg.PresentedTopK > cfg.CandidateMaxTopK {
		return Config{}, fmt.Errorf("CANDIDATE_PRESENTED_TOP_K must be in 1..%d", cfg.CandidateMaxTopK)
	}
	if cfg.MigrationBatchSize <= 0 {
		return Config{}, fmt.Errorf("MIGRATION_BATCH_SIZE must be positive")
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

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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
