package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Provider
	OpenAIAPIKey  string
	OpenAITimeout time.Duration // sized for large-document analysis, default: 5m

	// Collaborators
	PDFExtractorURL string // default: http://localhost:3001

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Per-user throughput limit (HTTP admission)
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Request queue (provider-wide scheduler)
	QueueRequestsPerMinute int           // default: 60
	QueueTokensPerMinute   int           // default: 90000
	QueueMaxConcurrent     int           // default: 2
	BreakerCooldown        time.Duration // default: 1m

	// Monthly spending cap. Counters zero on the account-creation
	// anniversary day; in months shorter than the anniversary day the
	// reset fires on the month's final day.
	SpendingCapUSD    float64 // default: 5.00
	InputCostPerMTok  float64 // USD per 1M input tokens, default: 0.60
	OutputCostPerMTok float64 // USD per 1M output tokens, default: 2.40
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		PDFExtractorURL:      getEnv("PDF_EXTRACTOR_URL", "http://localhost:3001"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.OpenAITimeout, err = getDuration("OPENAI_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BreakerCooldown, err = getDuration("BREAKER_COOLDOWN", time.Minute); err != nil {
		return nil, err
	}
	if cfg.DefaultRateLimitTPM, err = getInt64("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}
	if cfg.QueueRequestsPerMinute, err = getInt("QUEUE_REQUESTS_PER_MINUTE", 60); err != nil {
		return nil, err
	}
	if cfg.QueueTokensPerMinute, err = getInt("QUEUE_TOKENS_PER_MINUTE", 90000); err != nil {
		return nil, err
	}
	if cfg.QueueMaxConcurrent, err = getInt("QUEUE_MAX_CONCURRENT", 2); err != nil {
		return nil, err
	}
	if cfg.SpendingCapUSD, err = getFloat("SPENDING_CAP_USD", 5.00); err != nil {
		return nil, err
	}
	if cfg.InputCostPerMTok, err = getFloat("INPUT_COST_PER_MTOK", 0.60); err != nil {
		return nil, err
	}
	if cfg.OutputCostPerMTok, err = getFloat("OUTPUT_COST_PER_MTOK", 2.40); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.SpendingCapUSD <= 0 {
		return nil, fmt.Errorf("SPENDING_CAP_USD must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
