package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the traffic-law assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string
	LogAddSource     bool

	AllowedOrigins []string

	DatabaseURL      string
	CorpusTable      string
	RetrievalTopK    int
	RetrievalTimeout time.Duration

	EmbeddingProvider       string
	EmbeddingBaseURL        string
	EmbeddingAPIKey         string
	EmbeddingModel          string
	EmbeddingDim            int
	EmbeddingWarmupAttempts int

	GenerationProvider    string
	GenerationBaseURL     string
	GenerationAPIKey      string
	GenerationModel       string
	AnthropicAPIKey       string
	AnthropicBaseURL      string
	AnthropicModel        string
	GenerationMaxTokens   int
	GenerationTemperature float64
	GenerationTopP        float64
	GenerationTimeout     time.Duration

	MemoryMaxTurns      int
	PromptHistoryWindow int

	RateLimitRPS   float64
	RateLimitBurst int

	OTLPEndpoint      string
	TracesSampleRatio float64
}

var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:3001",
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "trafficlaw"),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		AllowedOrigins:   listFromEnv("ALLOWED_ORIGINS", defaultAllowedOrigins),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		CorpusTable:      envOrDefault("CORPUS_TABLE", "document"),

		EmbeddingProvider: strings.ToLower(envOrDefault("EMBEDDING_PROVIDER", "auto")),
		EmbeddingBaseURL:  trimmedEnv("EMBEDDING_BASE_URL"),
		EmbeddingAPIKey:   trimmedEnv("EMBEDDING_API_KEY"),
		// all-MiniLM-L6-v2 is what the ingested corpus was embedded with.
		EmbeddingModel: envOrDefault("EMBEDDING_MODEL", "sentence-transformers/all-MiniLM-L6-v2"),

		GenerationProvider: strings.ToLower(envOrDefault("GENERATION_PROVIDER", "auto")),
		GenerationBaseURL:  envOrDefault("GENERATION_BASE_URL", "https://api.groq.com/openai/v1"),
		GenerationAPIKey:   envOrDefault("GENERATION_API_KEY", trimmedEnv("GROQ_API_KEY")),
		GenerationModel:    envOrDefault("GENERATION_MODEL", "llama-3.1-8b-instant"),
		AnthropicAPIKey:    trimmedEnv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:   trimmedEnv("ANTHROPIC_BASE_URL"),
		AnthropicModel:     envOrDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),

		OTLPEndpoint: trimmedEnv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ShutdownTimeout:         15 * time.Second,
		RetrievalTopK:           20,
		RetrievalTimeout:        10 * time.Second,
		EmbeddingDim:            384,
		EmbeddingWarmupAttempts: 3,
		GenerationMaxTokens:     512,
		GenerationTemperature:   0.3,
		GenerationTopP:          0.9,
		GenerationTimeout:       30 * time.Second,
		MemoryMaxTurns:          10,
		// Three exchanges keep the prompt small enough for the 8B model.
		PromptHistoryWindow: 6,
		RateLimitRPS:        0,
		RateLimitBurst:      10,
		TracesSampleRatio:   1.0,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LogAddSource, err = boolFromEnv("APP_LOG_ADD_SOURCE", cfg.LogAddSource); err != nil {
		return Config{}, err
	}
	if cfg.RetrievalTopK, err = intFromEnv("RETRIEVAL_TOP_K", cfg.RetrievalTopK); err != nil {
		return Config{}, err
	}
	if cfg.RetrievalTimeout, err = durationFromEnv("RETRIEVAL_TIMEOUT", cfg.RetrievalTimeout); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", cfg.EmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingWarmupAttempts, err = intFromEnv("EMBEDDING_WARMUP_ATTEMPTS", cfg.EmbeddingWarmupAttempts); err != nil {
		return Config{}, err
	}
	if cfg.GenerationMaxTokens, err = intFromEnv("GENERATION_MAX_TOKENS", cfg.GenerationMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.GenerationTemperature, err = floatFromEnv("GENERATION_TEMPERATURE", cfg.GenerationTemperature); err != nil {
		return Config{}, err
	}
	if cfg.GenerationTopP, err = floatFromEnv("GENERATION_TOP_P", cfg.GenerationTopP); err != nil {
		return Config{}, err
	}
	if cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MemoryMaxTurns, err = intFromEnv("MEMORY_MAX_TURNS", cfg.MemoryMaxTurns); err != nil {
		return Config{}, err
	}
	if cfg.PromptHistoryWindow, err = intFromEnv("PROMPT_HISTORY_WINDOW", cfg.PromptHistoryWindow); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitRPS, err = floatFromEnv("RATE_LIMIT_RPS", cfg.RateLimitRPS); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = intFromEnv("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return Config{}, err
	}
	if cfg.TracesSampleRatio, err = floatFromEnv("OTEL_TRACES_SAMPLE_RATIO", cfg.TracesSampleRatio); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RetrievalTopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if c.RetrievalTimeout <= 0 {
		return fmt.Errorf("RETRIEVAL_TIMEOUT must be positive")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if c.EmbeddingWarmupAttempts <= 0 {
		return fmt.Errorf("EMBEDDING_WARMUP_ATTEMPTS must be positive")
	}
	if c.GenerationMaxTokens <= 0 {
		return fmt.Errorf("GENERATION_MAX_TOKENS must be positive")
	}
	if c.GenerationTemperature < 0 || c.GenerationTemperature > 1 {
		return fmt.Errorf("GENERATION_TEMPERATURE must be within [0,1]")
	}
	if c.GenerationTopP <= 0 || c.GenerationTopP > 1 {
		return fmt.Errorf("GENERATION_TOP_P must be within (0,1]")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if c.MemoryMaxTurns <= 0 {
		return fmt.Errorf("MEMORY_MAX_TURNS must be positive")
	}
	if c.PromptHistoryWindow < 0 {
		return fmt.Errorf("PROMPT_HISTORY_WINDOW must be >= 0")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	if c.TracesSampleRatio < 0 || c.TracesSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0,1]")
	}
	switch c.EmbeddingProvider {
	case "auto", "openai", "hash":
	default:
		return fmt.Errorf("invalid EMBEDDING_PROVIDER: %q (expected auto|openai|hash)", c.EmbeddingProvider)
	}
	switch c.GenerationProvider {
	case "auto", "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("invalid GENERATION_PROVIDER: %q (expected auto|openai|anthropic|mock)", c.GenerationProvider)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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

// listFromEnv splits a comma separated variable, dropping empty entries.
func listFromEnv(key string, fallback []string) []string {
	v := trimmedEnv(key)
	if v == "" {
		out := make([]string, len(fallback))
		copy(out, fallback)
		return out
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
