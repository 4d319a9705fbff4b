// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/abuseguard/internal/challenge"
	"github.com/mbd888/abuseguard/internal/events"
	"github.com/mbd888/abuseguard/internal/ratelimit"
	"github.com/mbd888/abuseguard/internal/risk"
	"github.com/mbd888/abuseguard/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL   string // PostgreSQL audit store (optional, in-memory if not set)
	RedisAddr     string // Rate-limit store (optional, in-memory if not set)
	RedisPassword string
	RedisDB       int

	// Events
	NATSURL     string // Optional, log-only sink if not set
	NATSSubject string

	// Tracing
	OTLPEndpoint string // Optional, tracing disabled if not set

	// Challenge provider
	ChallengeVerifyURL     string
	ChallengeSecret        string
	ChallengeTimeout       time.Duration
	ChallengeTestHostnames []string
	ChallengeReplayCache   int

	// Rules
	RulesFile string // Optional YAML override of the built-in tables

	// Rate limiting
	RateLimitMaxAttempts int
	RateLimitWindow      time.Duration
	JanitorInterval      time.Duration

	// Security
	CORSAllowedOrigins []string
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultReplayCache = 10000
)

// ErrMissingChallengeSecret is returned when production runs without a
// challenge provider secret.
var ErrMissingChallengeSecret = errors.New("CHALLENGE_SECRET is required in production")

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    normalizeEnv(getEnv("ENV", DefaultEnv)),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                int(getEnvInt64("REDIS_DB", 0)),
		NATSURL:                os.Getenv("NATS_URL"),
		NATSSubject:            getEnv("NATS_SUBJECT", events.DefaultSubject),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ChallengeVerifyURL:     getEnv("CHALLENGE_VERIFY_URL", challenge.DefaultVerifyURL),
		ChallengeSecret:        os.Getenv("CHALLENGE_SECRET"),
		ChallengeTimeout:       getEnvDuration("CHALLENGE_TIMEOUT", challenge.DefaultTimeout),
		ChallengeTestHostnames: getEnvList("CHALLENGE_TEST_HOSTNAMES", risk.DefaultTestHostnames),
		ChallengeReplayCache:   int(getEnvInt64("CHALLENGE_REPLAY_CACHE_SIZE", DefaultReplayCache)),
		RulesFile:              os.Getenv("RULES_FILE"),
		RateLimitMaxAttempts:   int(getEnvInt64("RATE_LIMIT_MAX_ATTEMPTS", risk.DefaultMaxAttempts)),
		RateLimitWindow:        getEnvDuration("RATE_LIMIT_WINDOW", risk.DefaultWindow),
		JanitorInterval:        getEnvDuration("JANITOR_INTERVAL", ratelimit.DefaultJanitorInterval),
		CORSAllowedOrigins:     getEnvList("CORS_ALLOWED_ORIGINS", nil),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.ChallengeSecret == "" {
		return ErrMissingChallengeSecret
	}
	if c.ChallengeVerifyURL == "" {
		return fmt.Errorf("CHALLENGE_VERIFY_URL is required")
	}
	if err := security.ValidateVerifyURL(c.ChallengeVerifyURL, c.IsProduction()); err != nil {
		return fmt.Errorf("CHALLENGE_VERIFY_URL: %w", err)
	}
	if c.RateLimitMaxAttempts <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_ATTEMPTS must be positive, got %d", c.RateLimitMaxAttempts)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.ChallengeTimeout <= 0 {
		return fmt.Errorf("CHALLENGE_TIMEOUT must be positive, got %s", c.ChallengeTimeout)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return normalizeEnv(c.Env) == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return normalizeEnv(c.Env) == "production"
}

// Policy derives the evaluation policy for the configured environment.
func (c *Config) Policy() risk.Policy {
	p := risk.PolicyFor(c.Env)
	p.RateLimitMaxAttempts = c.RateLimitMaxAttempts
	p.RateLimitWindow = c.RateLimitWindow
	if !p.Production {
		p.TestHostnames = append([]string(nil), c.ChallengeTestHostnames...)
	}
	return p
}

// Helper functions

// normalizeEnv makes ENV=Production and ENV=" production" mean production
// everywhere, matching risk.PolicyFor.
func normalizeEnv(env string) string {
	return strings.ToLower(strings.TrimSpace(env))
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
