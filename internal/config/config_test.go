package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8000")
	}
	if cfg.RetrievalTopK != 20 {
		t.Fatalf("RetrievalTopK = %d, want 20", cfg.RetrievalTopK)
	}
	if cfg.EmbeddingDim != 384 {
		t.Fatalf("EmbeddingDim = %d, want 384", cfg.EmbeddingDim)
	}
	if cfg.GenerationModel != "llama-3.1-8b-instant" {
		t.Fatalf("GenerationModel = %q, want llama-3.1-8b-instant", cfg.GenerationModel)
	}
	if cfg.GenerationTimeout != 30*time.Second {
		t.Fatalf("GenerationTimeout = %v, want 30s", cfg.GenerationTimeout)
	}
	if cfg.MemoryMaxTurns != 10 || cfg.PromptHistoryWindow != 6 {
		t.Fatalf("memory windows = (%d,%d), want (10,6)", cfg.MemoryMaxTurns, cfg.PromptHistoryWindow)
	}
	if len(cfg.AllowedOrigins) != len(defaultAllowedOrigins) {
		t.Fatalf("AllowedOrigins = %v, want defaults", cfg.AllowedOrigins)
	}
}

func TestLoadGroqKeyFallback(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GROQ_API_KEY", "gsk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GenerationAPIKey != "gsk-test" {
		t.Fatalf("GenerationAPIKey = %q, want GROQ_API_KEY value", cfg.GenerationAPIKey)
	}

	t.Setenv("GENERATION_API_KEY", "explicit")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GenerationAPIKey != "explicit" {
		t.Fatalf("GenerationAPIKey = %q, want explicit value", cfg.GenerationAPIKey)
	}
}

func TestLoadAllowedOriginsList(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %v, want two trimmed entries", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"RETRIEVAL_TOP_K", "0"},
		{"RETRIEVAL_TOP_K", "many"},
		{"EMBEDDING_DIM", "-1"},
		{"GENERATION_TEMPERATURE", "1.5"},
		{"GENERATION_TOP_P", "0"},
		{"GENERATION_TIMEOUT", "soon"},
		{"MEMORY_MAX_TURNS", "0"},
		{"EMBEDDING_PROVIDER", "magic"},
		{"GENERATION_PROVIDER", "magic"},
		{"APP_LOG_ADD_SOURCE", "maybe"},
	}
	for _, tc := range cases {
		setCoreEnvEmpty(t)
		t.Setenv(tc.key, tc.value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%q expected error", tc.key, tc.value)
		}
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_LOG_ADD_SOURCE",
		"ALLOWED_ORIGINS",
		"DATABASE_URL",
		"CORPUS_TABLE",
		"RETRIEVAL_TOP_K",
		"RETRIEVAL_TIMEOUT",
		"EMBEDDING_PROVIDER",
		"EMBEDDING_BASE_URL",
		"EMBEDDING_API_KEY",
		"EMBEDDING_MODEL",
		"EMBEDDING_DIM",
		"EMBEDDING_WARMUP_ATTEMPTS",
		"GENERATION_PROVIDER",
		"GENERATION_BASE_URL",
		"GENERATION_API_KEY",
		"GROQ_API_KEY",
		"GENERATION_MODEL",
		"ANTHROPIC_API_KEY",
		"ANTHROPIC_MODEL",
		"GENERATION_MAX_TOKENS",
		"GENERATION_TEMPERATURE",
		"GENERATION_TOP_P",
		"GENERATION_TIMEOUT",
		"MEMORY_MAX_TURNS",
		"PROMPT_HISTORY_WINDOW",
		"RATE_LIMIT_RPS",
		"RATE_LIMIT_BURST",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_TRACES_SAMPLE_RATIO",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
