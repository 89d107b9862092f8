package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/portfolio-ws/internal/types"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr    string `env:"WS_ADDR" envDefault:":3002"`
	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Admission limits
	MaxConnections        int `env:"WS_MAX_CONNECTIONS" envDefault:"100"`
	MaxConnectionsPerUser int `env:"WS_MAX_CONNECTIONS_PER_USER" envDefault:"5"`

	// Batching
	FlushInterval time.Duration `env:"WS_FLUSH_INTERVAL" envDefault:"1s"`

	// Liveness
	HeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTimeout  time.Duration `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"30s"`

	// Per-connection send buffer (slots)
	SendBufferSize int `env:"WS_SEND_BUFFER_SIZE" envDefault:"256"`

	// Inbound client message rate limiting
	MessageRatePerSec float64 `env:"WS_MESSAGE_RATE_PER_SEC" envDefault:"10"`
	MessageRateBurst  int     `env:"WS_MESSAGE_RATE_BURST" envDefault:"100"`

	// Authentication
	JWTSecret string        `env:"WS_JWT_SECRET,required"`
	TokenTTL  time.Duration `env:"WS_TOKEN_TTL" envDefault:"24h"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production passes env vars directly.
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS_PER_USER must be > 0, got %d", c.MaxConnectionsPerUser)
	}
	if c.MaxConnectionsPerUser > c.MaxConnections {
		return fmt.Errorf("WS_MAX_CONNECTIONS_PER_USER (%d) must be <= WS_MAX_CONNECTIONS (%d)",
			c.MaxConnectionsPerUser, c.MaxConnections)
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("WS_FLUSH_INTERVAL must be > 0, got %s", c.FlushInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("WS_HEARTBEAT_TIMEOUT (%s) must be > WS_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}

	if c.SendBufferSize < 1 {
		return fmt.Errorf("WS_SEND_BUFFER_SIZE must be > 0, got %d", c.SendBufferSize)
	}
	if c.MessageRatePerSec <= 0 {
		return fmt.Errorf("WS_MESSAGE_RATE_PER_SEC must be > 0, got %.1f", c.MessageRatePerSec)
	}
	if c.MessageRateBurst < 1 {
		return fmt.Errorf("WS_MESSAGE_RATE_BURST must be > 0, got %d", c.MessageRateBurst)
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

// ServerConfig converts the environment config into the wiring config
// the stream server takes.
func (c *Config) ServerConfig() *types.ServerConfig {
	return &types.ServerConfig{
		Addr:                  c.Addr,
		NATSURL:               c.NATSURL,
		MaxConnections:        c.MaxConnections,
		MaxConnectionsPerUser: c.MaxConnectionsPerUser,
		FlushInterval:         c.FlushInterval,
		HeartbeatInterval:     c.HeartbeatInterval,
		HeartbeatTimeout:      c.HeartbeatTimeout,
		SendBufferSize:        c.SendBufferSize,
		MessageRatePerSec:     c.MessageRatePerSec,
		MessageRateBurst:      c.MessageRateBurst,
		MetricsInterval:       c.MetricsInterval,
		LogLevel:              types.LogLevel(c.LogLevel),
		LogFormat:             types.LogFormat(c.LogFormat),
	}
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Int("max_connections_per_user", c.MaxConnectionsPerUser).
		Dur("flush_interval", c.FlushInterval).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Int("send_buffer_size", c.SendBufferSize).
		Float64("message_rate_per_sec", c.MessageRatePerSec).
		Int("message_rate_burst", c.MessageRateBurst).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
