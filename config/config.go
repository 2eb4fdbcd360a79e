package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Providers. A provider whose credential/endpoint is absent is simply
	// never registered.
	Providers []ProviderConfig

	// Cache
	CacheEnabled      bool
	CacheBackend      string // "memory" or "redis"
	CacheMaxEntries   int
	CacheDefaultTTL   time.Duration
	CacheSweepEvery   time.Duration
	RedisAddr         string

	// Cost tracking
	TrackingEnabled   bool
	CostAlertUSD      float64
	PostgresDSN       string // empty: in-memory usage store

	// Routing
	DefaultPrimary   string
	DefaultFallbacks []string

	// Rate limiting
	RateLimitEnabled    bool
	DefaultRateLimitTPM int64

	// Logging
	LogLevel  string // default: info
	LogFormat string // "json" or "console"

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string
}

type ProviderConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	Runtime      string // self-hosted only
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		CacheBackend:         getEnv("CACHE_BACKEND", "memory"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		DefaultPrimary:       getEnv("DEFAULT_PRIMARY_PROVIDER", "ollama"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.CacheEnabled, err = getBool("CACHE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.TrackingEnabled, err = getBool("TRACKING_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RateLimitEnabled, err = getBool("RATE_LIMIT_ENABLED", false); err != nil {
		return nil, err
	}

	maxEntries, err := getInt("CACHE_MAX_ENTRIES", 1000)
	if err != nil {
		return nil, err
	}
	cfg.CacheMaxEntries = maxEntries

	ttlSec, err := getInt("CACHE_DEFAULT_TTL_SECONDS", 900)
	if err != nil {
		return nil, err
	}
	cfg.CacheDefaultTTL = time.Duration(ttlSec) * time.Second

	sweepSec, err := getInt("CACHE_SWEEP_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.CacheSweepEvery = time.Duration(sweepSec) * time.Second

	threshold, err := getFloat("COST_ALERT_THRESHOLD_USD", 1000)
	if err != nil {
		return nil, err
	}
	cfg.CostAlertUSD = threshold

	tpm, err := getInt("DEFAULT_RATE_LIMIT_TPM", 100000)
	if err != nil {
		return nil, err
	}
	cfg.DefaultRateLimitTPM = int64(tpm)

	if raw := os.Getenv("DEFAULT_FALLBACK_PROVIDERS"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.DefaultFallbacks = append(cfg.DefaultFallbacks, name)
			}
		}
	}

	cfg.Providers = loadProviders()

	if cfg.CacheBackend == "redis" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("CACHE_BACKEND=redis requires REDIS_ADDR")
	}
	if cfg.RateLimitEnabled && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("RATE_LIMIT_ENABLED requires REDIS_ADDR")
	}

	return cfg, nil
}

// loadProviders reads per-provider settings from the environment.
// Registration is declarative: only providers whose credential (or, for
// self-hosted, endpoint) is present are returned.
func loadProviders() []ProviderConfig {
	var out []ProviderConfig

	add := func(name, credential string, needsKey bool) {
		if needsKey && credential == "" {
			return
		}
		prefix := strings.ToUpper(name)
		out = append(out, ProviderConfig{
			Name:         name,
			APIKey:       credential,
			BaseURL:      os.Getenv(prefix + "_BASE_URL"),
			DefaultModel: os.Getenv(prefix + "_DEFAULT_MODEL"),
			Timeout:      envDuration(prefix+"_TIMEOUT_SECONDS", 0),
			MaxRetries:   envIntDefault(prefix+"_MAX_RETRIES", 2),
			RetryDelay:   envMillis(prefix+"_RETRY_DELAY_MS", 0),
			Runtime:      os.Getenv(prefix + "_RUNTIME"),
		})
	}

	add("gemini", os.Getenv("GEMINI_API_KEY"), true)
	add("openai", os.Getenv("OPENAI_API_KEY"), true)
	add("claude", os.Getenv("ANTHROPIC_API_KEY"), true)
	add("huggingface", os.Getenv("HF_API_KEY"), true)

	// the self-hosted runtime needs an endpoint rather than a credential
	if base := os.Getenv("OLLAMA_BASE_URL"); base != "" {
		out = append(out, ProviderConfig{
			Name:         "ollama",
			BaseURL:      base,
			DefaultModel: os.Getenv("OLLAMA_DEFAULT_MODEL"),
			Timeout:      envDuration("OLLAMA_TIMEOUT_SECONDS", 0),
			MaxRetries:   envIntDefault("OLLAMA_MAX_RETRIES", 1),
			Runtime:      os.Getenv("OLLAMA_RUNTIME"),
		})
	}

	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envIntDefault(key string, fallback int) int {
	v, err := getInt(key, fallback)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, err := getInt(key, 0)
	if err != nil || v == 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

func envMillis(key string, fallback time.Duration) time.Duration {
	v, err := getInt(key, 0)
	if err != nil || v == 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}
