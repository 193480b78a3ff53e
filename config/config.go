// Package config loads the process configuration from the environment.
//
// All knobs a deployment is expected to tune live here, including the
// policy constants the realtime handlers consult (rate-limit window and
// budget, presence batch cap, external-call timeout). Values are decoded
// once at startup; the resulting Config is immutable and shared by
// reference.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full environment surface of the service.
type Config struct {
	// Port the HTTP/WebSocket listener binds to. ENV: PORT
	Port int `env:"PORT,default=4000"`

	// AuthSecret is the HMAC secret used to verify bearer tokens issued by
	// the CRUD API. Startup is fatal without it. ENV: AUTH_SECRET
	AuthSecret string `env:"AUTH_SECRET"`

	// AuthJWKSURL, when set, switches token verification from the shared
	// secret to an RS256 key set published at this URL. ENV: AUTH_JWKS_URL
	AuthJWKSURL string `env:"AUTH_JWKS_URL"`

	// RedisURL enables cross-instance fan-out when set. Empty means the
	// process runs single-node with the in-memory relay. ENV: REDIS_URL
	RedisURL string `env:"REDIS_URL"`

	// RelayChannel is the shared broadcast topic name. ENV: RELAY_CHANNEL
	RelayChannel string `env:"RELAY_CHANNEL,default=listsync:events"`

	// APIBaseURL is the base URL of the CRUD API used for membership
	// checks and notification persistence. ENV: API_BASE_URL
	APIBaseURL string `env:"API_BASE_URL,required"`

	// AllowedOrigin restricts websocket upgrades to one origin. Empty
	// allows any origin. ENV: ALLOWED_ORIGIN
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	// RateLimitWindow / RateLimitBudget bound how many events one
	// connection may emit per window. ENV: RATE_LIMIT_WINDOW,
	// RATE_LIMIT_BUDGET
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=10s"`
	RateLimitBudget int           `env:"RATE_LIMIT_BUDGET,default=50"`

	// PresenceBatchLimit caps how many list ids a single presence query
	// may name; extras are silently dropped. ENV: PRESENCE_BATCH_LIMIT
	PresenceBatchLimit int `env:"PRESENCE_BATCH_LIMIT,default=50"`

	// ExternalTimeout bounds every outbound call to the CRUD API.
	// ENV: EXTERNAL_TIMEOUT
	ExternalTimeout time.Duration `env:"EXTERNAL_TIMEOUT,default=10s"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load decodes the environment into a Config and validates the keys whose
// absence must abort startup.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.AuthSecret == "" && cfg.AuthJWKSURL == "" {
		return nil, errors.New("AUTH_SECRET is required (or AUTH_JWKS_URL for key-set verification)")
	}
	if cfg.RateLimitBudget <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_BUDGET must be positive, got %d", cfg.RateLimitBudget)
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", cfg.RateLimitWindow)
	}
	return &cfg, nil
}

// SlogLevel maps the configured level name onto a slog.Level. Unknown
// names fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
