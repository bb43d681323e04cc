// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Remote scorer
	ScorerURL     string        // Base URL of the ML scoring service
	ScorerTimeout time.Duration // Per-request deadline for scorer calls

	// Risk policy
	HighValueAmount    float64 // Amount above which a transaction counts as high-value
	SeverityMedium     float64 // Risk score at which severity becomes medium
	SeverityHigh       float64 // Risk score at which severity becomes high
	SeverityCritical   float64 // Risk score at which severity becomes critical
	DeepTierThreshold  float64 // Score at which the deep-model tier is attributed
	PrecisionThreshold float64 // Score at which the precision tier applies for high-value amounts
	DefaultThreshold   float64 // Score at which the default detector is attributed

	// Real-time feed
	SnapshotLimit int // Max open anomalies sent to a new privileged subscriber

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultScorerURL     = "http://localhost:8000"
	DefaultScorerTimeout = 10 * time.Second
	DefaultHighValue     = 50000.0
	DefaultSnapshotLimit = 100
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ScorerURL:          getEnv("SCORER_URL", DefaultScorerURL),
		ScorerTimeout:      getEnvDuration("SCORER_TIMEOUT", DefaultScorerTimeout),
		HighValueAmount:    getEnvFloat("HIGH_VALUE_AMOUNT", DefaultHighValue),
		SeverityMedium:     getEnvFloat("SEVERITY_MEDIUM", 0.3),
		SeverityHigh:       getEnvFloat("SEVERITY_HIGH", 0.6),
		SeverityCritical:   getEnvFloat("SEVERITY_CRITICAL", 0.85),
		DeepTierThreshold:  getEnvFloat("DEEP_TIER_THRESHOLD", 0.9),
		PrecisionThreshold: getEnvFloat("PRECISION_THRESHOLD", 0.7),
		DefaultThreshold:   getEnvFloat("DEFAULT_THRESHOLD", 0.6),
		SnapshotLimit:      int(getEnvInt64("SNAPSHOT_LIMIT", DefaultSnapshotLimit)),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.ScorerURL == "" {
		return fmt.Errorf("SCORER_URL is required")
	}
	if c.ScorerTimeout <= 0 {
		return fmt.Errorf("SCORER_TIMEOUT must be positive")
	}
	if !(c.SeverityMedium < c.SeverityHigh && c.SeverityHigh < c.SeverityCritical) {
		return fmt.Errorf("severity thresholds must be strictly increasing")
	}
	if c.SeverityCritical > 1 || c.SeverityMedium < 0 {
		return fmt.Errorf("severity thresholds must lie in [0,1]")
	}
	if c.HighValueAmount <= 0 {
		return fmt.Errorf("HIGH_VALUE_AMOUNT must be positive")
	}
	if c.SnapshotLimit <= 0 {
		return fmt.Errorf("SNAPSHOT_LIMIT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
