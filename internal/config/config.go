// Package config loads process configuration and engine settings.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Supported AI and embedding providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// AI text generation
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AWSRegion       string

	// Query embeddings
	EmbedProvider  string
	EmbedModel     string
	EmbedDimension int

	// Engine settings overrides (YAML)
	SettingsFile string

	// Worker
	WorkerConcurrency int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "lakeflow"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "workflow"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider:     getEnv("LAKEFLOW_LLM_PROVIDER", ProviderBedrock),
		LLMModel:        getEnv("LAKEFLOW_LLM_MODEL", "anthropic.claude-3-haiku-20240307-v1:0"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		EmbedProvider:  getEnv("LAKEFLOW_EMBED_PROVIDER", ProviderBedrock),
		EmbedModel:     getEnv("LAKEFLOW_EMBED_MODEL", "amazon.titan-embed-text-v2:0"),
		EmbedDimension: getEnvInt("LAKEFLOW_EMBED_DIMENSION", 1024),

		SettingsFile: getEnv("LAKEFLOW_SETTINGS_FILE", ""),

		WorkerConcurrency: getEnvInt("LAKEFLOW_WORKER_CONCURRENCY", 4),

		LogFile:  getEnv("LAKEFLOW_LOG_FILE", "/tmp/lakeflow.log"),
		LogLevel: parseLogLevel(getEnv("LAKEFLOW_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
