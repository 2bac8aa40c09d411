package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port                 string
	Env                  string
	DatabaseURL          string
	CORSAllowOrigin      []string
	ObjectStoreType      string
	LocalStoreDir        string
	AWSRegion            string
	S3Bucket             string
	S3Prefix             string
	SSEKMSKeyID          string
	QueueURL             string
	RedisURL             string
	AnthropicAPIKey      string
	LLMModel             string
	LLMMaxTokens         int
	BenchmarkAPIKey      string
	APIKey               string
	ReportTokenEstimate  int64
	PeriodTokenLimit     int64
	ClarificationTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  env,
		DatabaseURL:          dbURL,
		CORSAllowOrigin:      splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000")),
		ObjectStoreType:      normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:        getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:            getEnv("AWS_REGION", ""),
		S3Bucket:             getEnv("S3_BUCKET", ""),
		S3Prefix:             getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:          getEnv("SSE_KMS_KEY_ID", ""),
		QueueURL:             getEnv("SPARLO_SQS_QUEUE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		AnthropicAPIKey:      getEnv("ANTHROPIC_API_KEY", ""),
		LLMModel:             getEnv("LLM_MODEL", "claude-sonnet-4-20250514"),
		LLMMaxTokens:         getEnvInt("LLM_MAX_TOKENS", 8192),
		BenchmarkAPIKey:      getEnv("BENCHMARK_API_KEY", ""),
		APIKey:               getEnv("SPARLO_API_KEY", ""),
		ReportTokenEstimate:  getEnvInt64("REPORT_TOKEN_ESTIMATE", 120000),
		PeriodTokenLimit:     getEnvInt64("PERIOD_TOKEN_LIMIT", 1000000),
		ClarificationTimeout: getEnvDuration("CLARIFICATION_TIMEOUT", 24*time.Hour),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config env %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getEnvInt64(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("config env %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config env %s invalid duration: %v", key, err)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
