package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/abuseguard/internal/challenge"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, challenge.DefaultVerifyURL, cfg.ChallengeVerifyURL)
	assert.Equal(t, challenge.DefaultTimeout, cfg.ChallengeTimeout)
	assert.Equal(t, 3, cfg.RateLimitMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "abuse.assessments", cfg.NATSSubject)
	assert.Equal(t, []string{"example.com", "localhost"}, cfg.ChallengeTestHostnames)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "RATE_LIMIT_MAX_ATTEMPTS", "10")
	setEnv(t, "RATE_LIMIT_WINDOW", "1h")
	setEnv(t, "CHALLENGE_TIMEOUT", "2s")
	setEnv(t, "CHALLENGE_TEST_HOSTNAMES", " staging.local , ,test.local")
	setEnv(t, "REDIS_ADDR", "redis:6379")
	setEnv(t, "REDIS_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.RateLimitMaxAttempts)
	assert.Equal(t, time.Hour, cfg.RateLimitWindow)
	assert.Equal(t, 2*time.Second, cfg.ChallengeTimeout)
	assert.Equal(t, []string{"staging.local", "test.local"}, cfg.ChallengeTestHostnames)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "CHALLENGE_SECRET", "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingChallengeSecret)
}

func TestLoad_MixedCaseProduction(t *testing.T) {
	setEnv(t, "ENV", " Production ")
	setEnv(t, "CHALLENGE_SECRET", "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingChallengeSecret)

	setEnv(t, "CHALLENGE_SECRET", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Env)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Policy().Production)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                  "production",
			LogFormat:            "json",
			ChallengeVerifyURL:   challenge.DefaultVerifyURL,
			ChallengeSecret:      "secret",
			ChallengeTimeout:     time.Second,
			RateLimitMaxAttempts: 3,
			RateLimitWindow:      time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.ChallengeSecret = "" }, wantErr: "CHALLENGE_SECRET is required"},
		{name: "dev without secret", mutate: func(c *Config) { c.Env = "development"; c.ChallengeSecret = "" }},
		{name: "missing verify URL", mutate: func(c *Config) { c.ChallengeVerifyURL = "" }, wantErr: "CHALLENGE_VERIFY_URL is required"},
		{name: "plain http verify URL", mutate: func(c *Config) { c.ChallengeVerifyURL = "http://challenges.cloudflare.com/x" }, wantErr: "must be https"},
		{name: "local verify URL in dev", mutate: func(c *Config) { c.Env = "development"; c.ChallengeVerifyURL = "http://localhost:8081/verify" }},
		{name: "zero attempts", mutate: func(c *Config) { c.RateLimitMaxAttempts = 0 }, wantErr: "RATE_LIMIT_MAX_ATTEMPTS"},
		{name: "zero window", mutate: func(c *Config) { c.RateLimitWindow = 0 }, wantErr: "RATE_LIMIT_WINDOW"},
		{name: "zero timeout", mutate: func(c *Config) { c.ChallengeTimeout = 0 }, wantErr: "CHALLENGE_TIMEOUT"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())

	cfg.Env = "PRODUCTION"
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, cfg.IsProduction(), cfg.Policy().Production)
}

func TestConfig_Policy(t *testing.T) {
	cfg := &Config{
		Env:                    "production",
		RateLimitMaxAttempts:   5,
		RateLimitWindow:        time.Hour,
		ChallengeTestHostnames: []string{"example.com"},
	}
	p := cfg.Policy()
	assert.True(t, p.Production)
	assert.Equal(t, 5, p.RateLimitMaxAttempts)
	assert.Equal(t, time.Hour, p.RateLimitWindow)
	assert.Equal(t, 0.3, p.MinTrustScore)
	assert.Empty(t, p.TestHostnames)

	cfg.Env = "development"
	p = cfg.Policy()
	assert.False(t, p.Production)
	assert.Equal(t, 90, p.HighThreshold)
	assert.Equal(t, []string{"example.com"}, p.TestHostnames)
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
}
