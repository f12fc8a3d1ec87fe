// Package config loads gateway configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
type Config struct {
	// Server basics
	Addr        string `env:"GW_ADDR" envDefault:":3100"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Store
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix     string `env:"GW_KEY_PREFIX" envDefault:"rt"`

	// Topics and delivery
	MaxTopicBufferSize     int   `env:"GW_MAX_TOPIC_BUFFER_SIZE" envDefault:"1000"`
	MaxSubscriberQueueSize int   `env:"GW_MAX_SUBSCRIBER_QUEUE_SIZE" envDefault:"100"`
	SlowClientThresholdMs  int64 `env:"GW_SLOW_CLIENT_THRESHOLD_MS" envDefault:"5000"`
	DurabilityEnabled      bool  `env:"GW_DURABILITY_ENABLED" envDefault:"false"`

	// Payload limits
	MaxPayloadBytes int `env:"GW_MAX_PAYLOAD_BYTES" envDefault:"65536"`

	// Rate limiting, per sliding window
	RateLimitWindowMs    int64 `env:"GW_RATE_LIMIT_WINDOW_MS" envDefault:"60000"`
	RateLimitMaxRequests int   `env:"GW_RATE_LIMIT_MAX_REQUESTS" envDefault:"100"`
	RateLimitTopicMax    int   `env:"GW_RATE_LIMIT_TOPIC_MAX" envDefault:"1000"`
	RateLimitGlobalMax   int   `env:"GW_RATE_LIMIT_GLOBAL_MAX" envDefault:"10000"`

	// Auth
	JWTSecret         string `env:"GW_JWT_SECRET" envDefault:""`
	AllowAuthDisabled bool   `env:"GW_ALLOW_AUTH_DISABLED" envDefault:"false"`

	// ACL
	ACLCacheTTL time.Duration `env:"GW_ACL_CACHE_TTL" envDefault:"30s"`

	// Presence
	PresenceTTL time.Duration `env:"GW_PRESENCE_TTL" envDefault:"30s"`

	// Capacity
	MaxConnections    int   `env:"GW_MAX_CONNECTIONS" envDefault:"5000"`
	MemoryLimit       int64 `env:"GW_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	ConnRatePerIP     int   `env:"GW_CONN_RATE_PER_IP" envDefault:"10"`
	ConnBurstPerIP    int   `env:"GW_CONN_BURST_PER_IP" envDefault:"20"`
	InputEventsPerMin int   `env:"GW_INPUT_EVENTS_PER_MIN" envDefault:"50"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Shutdown
	ShutdownTimeout time.Duration `env:"GW_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads configuration from .env file and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors. Production safety rules live
// here so a misconfigured deployment fails at startup, not at first request.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("GW_KEY_PREFIX is required")
	}

	if c.IsProduction() {
		if c.AllowAuthDisabled {
			return fmt.Errorf("GW_ALLOW_AUTH_DISABLED must be false in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("GW_JWT_SECRET is required in production")
		}
	}
	if !c.AllowAuthDisabled && c.JWTSecret == "" {
		return fmt.Errorf("GW_JWT_SECRET is required unless GW_ALLOW_AUTH_DISABLED=true")
	}

	if c.MaxTopicBufferSize < 1 {
		return fmt.Errorf("GW_MAX_TOPIC_BUFFER_SIZE must be > 0, got %d", c.MaxTopicBufferSize)
	}
	if c.MaxSubscriberQueueSize < 1 {
		return fmt.Errorf("GW_MAX_SUBSCRIBER_QUEUE_SIZE must be > 0, got %d", c.MaxSubscriberQueueSize)
	}
	if c.SlowClientThresholdMs < 1 {
		return fmt.Errorf("GW_SLOW_CLIENT_THRESHOLD_MS must be > 0, got %d", c.SlowClientThresholdMs)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("GW_MAX_PAYLOAD_BYTES must be > 0, got %d", c.MaxPayloadBytes)
	}
	if c.RateLimitWindowMs < 1 {
		return fmt.Errorf("GW_RATE_LIMIT_WINDOW_MS must be > 0, got %d", c.RateLimitWindowMs)
	}
	if c.RateLimitMaxRequests < 1 {
		return fmt.Errorf("GW_RATE_LIMIT_MAX_REQUESTS must be > 0, got %d", c.RateLimitMaxRequests)
	}
	if c.RateLimitTopicMax < 1 {
		return fmt.Errorf("GW_RATE_LIMIT_TOPIC_MAX must be > 0, got %d", c.RateLimitTopicMax)
	}
	if c.RateLimitGlobalMax < 1 {
		return fmt.Errorf("GW_RATE_LIMIT_GLOBAL_MAX must be > 0, got %d", c.RateLimitGlobalMax)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.InputEventsPerMin < 1 {
		return fmt.Errorf("GW_INPUT_EVENTS_PER_MIN must be > 0, got %d", c.InputEventsPerMin)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// IsProduction reports whether the gateway runs with production safety rules.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RateLimitWindow returns the configured window as a Duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

// SlowClientThreshold returns the slow client threshold as a Duration.
func (c *Config) SlowClientThreshold() time.Duration {
	return time.Duration(c.SlowClientThresholdMs) * time.Millisecond
}

// LogConfig logs the effective configuration with secrets elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("redis_addr", c.RedisAddr).
		Str("key_prefix", c.KeyPrefix).
		Int("max_topic_buffer_size", c.MaxTopicBufferSize).
		Int("max_subscriber_queue_size", c.MaxSubscriberQueueSize).
		Int64("slow_client_threshold_ms", c.SlowClientThresholdMs).
		Bool("durability_enabled", c.DurabilityEnabled).
		Int("max_payload_bytes", c.MaxPayloadBytes).
		Int64("rate_limit_window_ms", c.RateLimitWindowMs).
		Int("rate_limit_max_requests", c.RateLimitMaxRequests).
		Bool("allow_auth_disabled", c.AllowAuthDisabled).
		Dur("acl_cache_ttl", c.ACLCacheTTL).
		Dur("presence_ttl", c.PresenceTTL).
		Int("max_connections", c.MaxConnections).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
