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

	// Provider
	DeepSeekAPIKey string

	// Cache (optional; rate limiting and capability sharing are disabled without it)
	RedisAddr string

	// Archive (optional; usage records stay in-memory without it)
	PostgresDSN string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Spend ceilings (USD)
	MaxCostPerRequestUSD  float64 // default: 0.50
	MaxUserCostPerDayUSD  float64 // default: 5.00
	MaxSiteCostPerHourUSD float64 // default: 20.00

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Timeouts & retry
	InitialTimeout      time.Duration // connection setup, default: 10s
	StreamingTimeout    time.Duration // per-chunk stall, default: 60s
	ContinuationTimeout time.Duration // default: 30s
	MaxRetries          int           // default: 3
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DeepSeekAPIKey:       os.Getenv("DEEPSEEK_API_KEY"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.MaxCostPerRequestUSD, err = getEnvFloat("MAX_COST_PER_REQUEST_USD", 0.50); err != nil {
		return nil, err
	}
	if cfg.MaxUserCostPerDayUSD, err = getEnvFloat("MAX_USER_COST_PER_DAY_USD", 5.00); err != nil {
		return nil, err
	}
	if cfg.MaxSiteCostPerHourUSD, err = getEnvFloat("MAX_SITE_COST_PER_HOUR_USD", 20.00); err != nil {
		return nil, err
	}

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if cfg.InitialTimeout, err = getEnvMillis("INITIAL_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.StreamingTimeout, err = getEnvMillis("STREAMING_TIMEOUT_MS", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ContinuationTimeout, err = getEnvMillis("CONTINUATION_TIMEOUT_MS", 30*time.Second); err != nil {
		return nil, err
	}

	retriesStr := getEnv("MAX_RETRIES", "3")
	retries, err := strconv.Atoi(retriesStr)
	if err != nil || retries < 0 {
		return nil, fmt.Errorf("invalid MAX_RETRIES: %q", retriesStr)
	}
	cfg.MaxRetries = retries

	// Validation
	if cfg.DeepSeekAPIKey == "" {
		return nil, fmt.Errorf("DEEPSEEK_API_KEY is required")
	}
	if cfg.MaxCostPerRequestUSD <= 0 || cfg.MaxUserCostPerDayUSD <= 0 || cfg.MaxSiteCostPerHourUSD <= 0 {
		return nil, fmt.Errorf("spend ceilings must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvMillis(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
