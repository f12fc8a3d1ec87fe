package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Addr:                   ":3100",
		Environment:            "development",
		RedisAddr:              "localhost:6379",
		KeyPrefix:              "rt",
		MaxTopicBufferSize:     1000,
		MaxSubscriberQueueSize: 100,
		SlowClientThresholdMs:  5000,
		MaxPayloadBytes:        65536,
		RateLimitWindowMs:      60000,
		RateLimitMaxRequests:   100,
		RateLimitTopicMax:      1000,
		RateLimitGlobalMax:     10000,
		JWTSecret:              "test-secret",
		ACLCacheTTL:            30 * time.Second,
		PresenceTTL:            30 * time.Second,
		MaxConnections:         5000,
		InputEventsPerMin:      50,
		LogLevel:               "info",
		LogFormat:              "json",
		ShutdownTimeout:        15 * time.Second,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestProductionRejectsAuthDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Environment = "production"
	cfg.AllowAuthDisabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("production with auth disabled must fail validation")
	}
	if !strings.Contains(err.Error(), "GW_ALLOW_AUTH_DISABLED") {
		t.Errorf("error should name the offending option, got: %v", err)
	}
}

func TestProductionRequiresJWTSecret(t *testing.T) {
	cfg := baseConfig()
	cfg.Environment = "production"
	cfg.JWTSecret = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("production without JWT secret must fail validation")
	}
}

func TestDevelopmentAllowsAuthDisabledWithoutSecret(t *testing.T) {
	cfg := baseConfig()
	cfg.JWTSecret = ""
	cfg.AllowAuthDisabled = true

	if err := cfg.Validate(); err != nil {
		t.Fatalf("development with auth disabled should validate: %v", err)
	}
}

func TestValidateRejectsBadRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue size", func(c *Config) { c.MaxSubscriberQueueSize = 0 }},
		{"zero buffer size", func(c *Config) { c.MaxTopicBufferSize = 0 }},
		{"zero payload", func(c *Config) { c.MaxPayloadBytes = 0 }},
		{"zero window", func(c *Config) { c.RateLimitWindowMs = 0 }},
		{"zero limit", func(c *Config) { c.RateLimitMaxRequests = 0 }},
		{"zero topic limit", func(c *Config) { c.RateLimitTopicMax = 0 }},
		{"zero global limit", func(c *Config) { c.RateLimitGlobalMax = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"empty prefix", func(c *Config) { c.KeyPrefix = "" }},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := baseConfig()
	if got := cfg.RateLimitWindow(); got != time.Minute {
		t.Errorf("RateLimitWindow = %v, want 1m", got)
	}
	if got := cfg.SlowClientThreshold(); got != 5*time.Second {
		t.Errorf("SlowClientThreshold = %v, want 5s", got)
	}
}
