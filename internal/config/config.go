// Package config loads server configuration from the environment with
// sane defaults. Validation is a separate step so callers can apply
// their own overrides first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/gridsync/gridsync/internal/resolve"
)

// Sentinel configuration errors.
var (
	ErrDatabaseURLRequired = errors.New("config: DATABASE_URL is required")
	ErrSecretRequired      = errors.New("config: JWT_HS256_SECRET is required outside dev mode")
)

// Config is the server runtime configuration.
type Config struct {
	// Env is the deployment environment, dev or prod. Dev enables
	// console logging and debug auth headers.
	Env string

	HTTPAddr    string
	DatabaseURL string

	// JWTSecret signs and verifies HS256 bearer tokens.
	JWTSecret string

	// DevMode allows X-Debug-Sub authentication.
	DevMode bool

	// PageSize caps download pages.
	PageSize int

	// MaxUploadSize caps upload bodies in bytes.
	MaxUploadSize int64

	// DefaultStrategy is the registry default applied when clients do
	// not choose, e.g. last_write_wins.
	DefaultStrategy string

	// RetentionDays drops change history older than this many days.
	// Zero disables age-based eviction.
	RetentionDays int

	// MaxHistoryItems caps change history per table. Zero disables
	// count-based eviction.
	MaxHistoryItems int

	// Rate limiting, per user across the sync endpoints.
	RateLimitWindowSeconds int
	RateLimitMaxRequests   int
	RateLimitBurst         int
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Env:                    "dev",
		HTTPAddr:               ":8080",
		DevMode:                true,
		PageSize:               100,
		MaxUploadSize:          1 << 20,
		DefaultStrategy:        resolve.StrategyLastWriteWins,
		RetentionDays:          30,
		MaxHistoryItems:        10000,
		RateLimitWindowSeconds: 60,
		RateLimitMaxRequests:   600,
		RateLimitBurst:         120,
	}
}

// FromEnv builds a configuration from defaults plus environment
// overrides. Call Validate before use.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
		cfg.DevMode = v == "dev"
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_HS256_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("DEV_MODE"); v == "true" || v == "1" {
		cfg.DevMode = true
	}
	if v := os.Getenv("SYNC_DEFAULT_STRATEGY"); v != "" {
		cfg.DefaultStrategy = v
	}

	intEnv("SYNC_PAGE_SIZE", &cfg.PageSize)
	int64Env("SYNC_MAX_UPLOAD_BYTES", &cfg.MaxUploadSize)
	intEnv("SYNC_RETENTION_DAYS", &cfg.RetentionDays)
	intEnv("SYNC_MAX_HISTORY_ITEMS", &cfg.MaxHistoryItems)
	intEnv("RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimitWindowSeconds)
	intEnv("RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimitMaxRequests)
	intEnv("RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	return cfg
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}
	if c.JWTSecret == "" && !c.DevMode {
		return ErrSecretRequired
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("config: page size must be positive, got %d", c.PageSize)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("config: max upload size must be positive, got %d", c.MaxUploadSize)
	}
	if c.RetentionDays < 0 || c.MaxHistoryItems < 0 {
		return fmt.Errorf("config: retention settings must be non-negative")
	}
	return nil
}

func intEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func int64Env(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = n
		}
	}
}
