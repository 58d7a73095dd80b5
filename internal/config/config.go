// Package config loads engine configuration from the environment.
// A .env file is honored in development via godotenv; every value has a
// working default so the engine boots with zero configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"g3-engine/internal/logging"
)

// Config holds all tunables for the G3 engine process.
type Config struct {
	Port        string
	Environment string

	// Persistence. Empty DatabaseURL selects the embedded sqlite store.
	DatabaseURL string
	SQLitePath  string

	// Optional cross-node event relay. Empty disables it.
	RedisURL string

	// Rate limiter (shared across every outbound AI call).
	MaxRequestsPerMinute int
	MaxConcurrent        int
	MinInterval          time.Duration
	AcquireTimeout       time.Duration

	// Retry policy for rate-limited provider calls.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Repair loop bound; per-job override allowed at submit time.
	MaxRounds int

	// Provider credentials. A provider without a key still routes, the
	// call simply fails over to the next entry in the chain.
	ClaudeAPIKey   string
	GeminiAPIKey   string
	DeepSeekAPIKey string
}

// Load reads configuration from the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logging.S().Info("no .env file found, using system environment")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("G3_SQLITE_PATH", "g3.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		MaxRequestsPerMinute: getEnvInt("G3_RATE_LIMIT_RPM", 30),
		MaxConcurrent:        getEnvInt("G3_RATE_LIMIT_CONCURRENT", 3),
		MinInterval:          getEnvDuration("G3_RATE_LIMIT_MIN_INTERVAL", 2*time.Second),
		AcquireTimeout:       getEnvDuration("G3_ACQUIRE_TIMEOUT", 60*time.Second),

		MaxRetries:  getEnvInt("G3_MAX_RETRIES", 3),
		BaseBackoff: getEnvDuration("G3_BASE_BACKOFF", 2*time.Second),
		MaxBackoff:  getEnvDuration("G3_MAX_BACKOFF", 2*time.Minute),

		MaxRounds: getEnvInt("G3_MAX_ROUNDS", 3),

		ClaudeAPIKey:   os.Getenv("CLAUDE_API_KEY"),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		DeepSeekAPIKey: os.Getenv("DEEPSEEK_API_KEY"),
	}
}

// Validate rejects configurations that would only fail later at call time.
func (c *Config) Validate() error {
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("G3_RATE_LIMIT_RPM must be positive, got %d", c.MaxRequestsPerMinute)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("G3_RATE_LIMIT_CONCURRENT must be positive, got %d", c.MaxConcurrent)
	}
	if c.MaxRounds <= 0 {
		return fmt.Errorf("G3_MAX_ROUNDS must be positive, got %d", c.MaxRounds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("G3_MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.S().Warnf("invalid integer for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logging.S().Warnf("invalid duration for %s: %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
