// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config for the session daemon. Defaults are provided via struct tags.
type Config struct {
	// CleanupInterval between sweeps. ENV: SESSION_CLEANUP_INTERVAL
	CleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL,default=1m"`
	// DefaultDuration is the lease for sessions created without one. ENV: SESSION_DEFAULT_DURATION
	DefaultDuration time.Duration `env:"SESSION_DEFAULT_DURATION,default=15m"`
	// MaxConcurrentCleanup bounds sessions ended in parallel per sweep. ENV: SESSION_MAX_CONCURRENT_CLEANUP
	MaxConcurrentCleanup int `env:"SESSION_MAX_CONCURRENT_CLEANUP,default=4"`
	// AnonymousDuration, when positive, leases anonymous sessions so clients
	// can resume them via X-Session-Id. ENV: SESSION_ANONYMOUS_DURATION
	AnonymousDuration time.Duration `env:"SESSION_ANONYMOUS_DURATION,default=0s"`
	// BypassPaths skip session handling, separated by ';'. ENV: SESSION_BYPASS_PATHS
	BypassPaths []string `env:"SESSION_BYPASS_PATHS,default=/healthz;/metrics"`

	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`

	// StoreBackend selects the repositories: "memory" or "redis". ENV: STORE_BACKEND
	StoreBackend    string `env:"STORE_BACKEND,default=memory"`
	MemoryStoreSize int    `env:"MEMORY_STORE_SIZE,default=10000"`
	RedisAddr       string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisDB         int    `env:"REDIS_DB,default=0"`
	RedisKeyPrefix  string `env:"REDIS_KEY_PREFIX,default=session-scope:"`

	// ConversationTable, when set, stores conversations in DynamoDB. ENV: CONVERSATION_TABLE
	ConversationTable string `env:"CONVERSATION_TABLE"`

	// JWT bearer validation is enabled when JWKSURL or JWTIssuer is set.
	// Without JWKSURL the keys are found through OIDC discovery on the issuer.
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`
	JWKSURL     string `env:"JWKS_URL"`

	LogFormat string `env:"LOG_FORMAT,default=json"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("SESSION_CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval)
	}
	if c.DefaultDuration <= 0 {
		return fmt.Errorf("SESSION_DEFAULT_DURATION must be positive, got %s", c.DefaultDuration)
	}
	if c.AnonymousDuration < 0 {
		return fmt.Errorf("SESSION_ANONYMOUS_DURATION must not be negative, got %s", c.AnonymousDuration)
	}
	if c.MaxConcurrentCleanup <= 0 {
		return fmt.Errorf("SESSION_MAX_CONCURRENT_CLEANUP must be positive, got %d", c.MaxConcurrentCleanup)
	}
	switch c.StoreBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("STORE_BACKEND must be memory or redis, got %q", c.StoreBackend)
	}
	if c.JWKSURL != "" && (c.JWTIssuer == "" || c.JWTAudience == "") {
		return errors.New("JWT_ISSUER and JWT_AUDIENCE are required when JWKS_URL is set")
	}
	if c.JWTIssuer != "" && c.JWTAudience == "" {
		return errors.New("JWT_AUDIENCE is required when JWT_ISSUER is set")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
