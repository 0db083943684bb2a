// Package config loads server configuration from environment variables.
//
// A .env file in the working directory is loaded first when present;
// variables already set in the environment take precedence.
//
// Storage (one of):
//   - DATABASE_URL: PostgreSQL connection string.
//   - FLAGS_FILE: YAML or JSON flag file served read-only.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - STREAM_POLL_INTERVAL: polling interval for SSE streaming
//     (default "1s", must be > 0).
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per client IP
//     (default "10", must be > 0).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be > 0).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0).
//   - EVALUATION_MODE: default rule evaluation mode, legacy (v1) or full (v2)
//     (default "full").
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/matt-riley/switchgate/internal/core"
)

// ErrParsingConfig is returned when environment variables cannot be parsed
// into Config.
var ErrParsingConfig = errors.New("failed to parse environment variables into config")

// ErrInvalidConfig is returned when parsed values fail validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the runtime configuration for the switchgate server.
type Config struct {
	DatabaseURL         string        `env:"DATABASE_URL"`
	FlagsFile           string        `env:"FLAGS_FILE"`
	HTTPAddr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
	StreamPollInterval  time.Duration `env:"STREAM_POLL_INTERVAL" envDefault:"1s"`
	AuthRateLimit       int           `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	MaxJSONBodySize     int64         `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
	EventBatchSize      int           `env:"EVENT_BATCH_SIZE" envDefault:"1000"`
	CacheResyncInterval time.Duration `env:"CACHE_RESYNC_INTERVAL" envDefault:"1m"`
	EvaluationMode      core.Mode     `env:"EVALUATION_MODE" envDefault:"full"`
}

// FileMode reports whether flags are served from FLAGS_FILE instead of
// PostgreSQL.
func (c Config) FileMode() bool {
	return c.FlagsFile != ""
}

// Load reads configuration from the environment, applying defaults where
// appropriate. It returns an error if no storage is configured or if
// values fail validation.
func Load() (Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.FlagsFile = strings.TrimSpace(cfg.FlagsFile)
	cfg.HTTPAddr = strings.TrimSpace(cfg.HTTPAddr)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" && c.FlagsFile == "" {
		errs = append(errs, errors.New("DATABASE_URL is required unless FLAGS_FILE is set"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.StreamPollInterval <= 0 {
		errs = append(errs, errors.New("STREAM_POLL_INTERVAL must be > 0"))
	}
	if c.AuthRateLimit <= 0 {
		errs = append(errs, errors.New("AUTH_RATE_LIMIT must be > 0"))
	}
	if c.MaxJSONBodySize <= 0 {
		errs = append(errs, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)"))
	}
	if c.EventBatchSize <= 0 {
		errs = append(errs, errors.New("EVENT_BATCH_SIZE must be a positive integer"))
	}
	if c.CacheResyncInterval <= 0 {
		errs = append(errs, errors.New("CACHE_RESYNC_INTERVAL must be > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
