// Package config loads runtime configuration from the environment. Every
// knob has a sane default; validate() warns and falls back rather than
// panicking, so a misconfigured deployment degrades instead of crashing at
// boot.
package config

import (
	"log/slog"
	"os"
	"strconv"
)

type Config struct {
	Port              int
	DatabaseURL       string
	OllamaBaseURL     string
	EmbeddingModel    string
	EmbeddingDim      int
	DisableEmbeddings bool
	LogLevel          string

	AnthropicAPIKey string
	LLMModel        string

	APIKey string

	InfiniteMemoryURL string

	DedupThreshold          float64
	InjectionDedupThreshold float64

	MaxRetry               int
	VisibilityTimeoutSecs  int
	QueueWorkers           int
	DLQRetentionDays       int
	MaxConcurrentPipelines int

	FilterPatterns   string
	ExcludedProjects string

	SummaryModel   string
	SummaryEnabled bool

	AggregatorMin5MinEvents       int
	AggregatorMinSummariesForHour int
	AggregatorMinSummariesForDay  int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:              envInt("PORT", 8741),
		DatabaseURL:       envStr("DATABASE_URL", "/data/opencode-mem.db"),
		OllamaBaseURL:     envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		EmbeddingModel:    envStr("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDim:      envInt("EMBEDDING_DIM", 1024),
		DisableEmbeddings: envBool("OPENCODE_MEM_DISABLE_EMBEDDINGS", false),
		LogLevel:          envStr("LOG_LEVEL", "info"),

		AnthropicAPIKey: envStr("ANTIGRAVITY_API_KEY", ""),
		LLMModel:        envStr("LLM_MODEL", "claude-sonnet-4-20250514"),

		APIKey: envStr("OPENCODE_MEM_API_KEY", ""),

		InfiniteMemoryURL: envStr("INFINITE_MEMORY_URL", ""),

		DedupThreshold:          clamp01(envFloat("OPENCODE_MEM_DEDUP_THRESHOLD", 0.85)),
		InjectionDedupThreshold: clamp01(envFloat("OPENCODE_MEM_INJECTION_DEDUP_THRESHOLD", 0.80)),

		MaxRetry:               envInt("OPENCODE_MEM_MAX_RETRY", 3),
		VisibilityTimeoutSecs:  envInt("OPENCODE_MEM_VISIBILITY_TIMEOUT", 300),
		QueueWorkers:           envInt("OPENCODE_MEM_QUEUE_WORKERS", 4),
		DLQRetentionDays:       envInt("OPENCODE_MEM_DLQ_TTL_DAYS", 30),
		MaxConcurrentPipelines: envInt("OPENCODE_MEM_MAX_CONCURRENT_PIPELINES", 8),

		FilterPatterns:   envStr("OPENCODE_MEM_FILTER_PATTERNS", ""),
		ExcludedProjects: envStr("OPENCODE_MEM_EXCLUDED_PROJECTS", ""),

		SummaryModel:   envStr("SUMMARY_MODEL", "claude-sonnet-4-20250514"),
		SummaryEnabled: envBool("SUMMARY_ENABLED", true),

		AggregatorMin5MinEvents:       envInt("OPENCODE_MEM_MIN_5MIN_EVENTS", 3),
		AggregatorMinSummariesForHour: envInt("OPENCODE_MEM_MIN_5MIN_SUMMARIES_FOR_HOUR", 4),
		AggregatorMinSummariesForDay:  envInt("OPENCODE_MEM_MIN_HOUR_SUMMARIES_FOR_DAY", 3),
	}

	cfg.validate()

	return cfg, nil
}

// validate warns on out-of-range values and falls back to the safe
// default rather than failing startup — a misconfigured deployment should
// degrade, not refuse to boot.
func (c *Config) validate() {
	if c.Port < 1 || c.Port > 65535 {
		slog.Warn("invalid PORT, falling back to default", "value", c.Port)
		c.Port = 8741
	}
	if c.DatabaseURL == "" {
		slog.Warn("DATABASE_URL empty, falling back to default path")
		c.DatabaseURL = "/data/opencode-mem.db"
	}
	if c.EmbeddingDim < 1 {
		slog.Warn("invalid EMBEDDING_DIM, falling back to default", "value", c.EmbeddingDim)
		c.EmbeddingDim = 1024
	}
	if c.MaxRetry < 1 {
		slog.Warn("invalid OPENCODE_MEM_MAX_RETRY, falling back to default", "value", c.MaxRetry)
		c.MaxRetry = 3
	}
	if c.MaxConcurrentPipelines < 1 {
		slog.Warn("invalid OPENCODE_MEM_MAX_CONCURRENT_PIPELINES, falling back to default", "value", c.MaxConcurrentPipelines)
		c.MaxConcurrentPipelines = 8
	}
	if c.AnthropicAPIKey == "" {
		slog.Warn("ANTIGRAVITY_API_KEY not set; LLM gateway calls will fail")
	}
	if c.APIKey == "" {
		slog.Warn("OPENCODE_MEM_API_KEY not set; the HTTP API is running without bearer auth")
	}
	if c.AggregatorMin5MinEvents < 1 {
		slog.Warn("invalid OPENCODE_MEM_MIN_5MIN_EVENTS, falling back to default", "value", c.AggregatorMin5MinEvents)
		c.AggregatorMin5MinEvents = 3
	}
	if c.AggregatorMinSummariesForHour < 1 {
		slog.Warn("invalid OPENCODE_MEM_MIN_5MIN_SUMMARIES_FOR_HOUR, falling back to default", "value", c.AggregatorMinSummariesForHour)
		c.AggregatorMinSummariesForHour = 4
	}
	if c.AggregatorMinSummariesForDay < 1 {
		slog.Warn("invalid OPENCODE_MEM_MIN_HOUR_SUMMARIES_FOR_DAY, falling back to default", "value", c.AggregatorMinSummariesForDay)
		c.AggregatorMinSummariesForDay = 3
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
