// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBolt     = "bolt"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"` // rotated file output in addition to stdout

	// Storage
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`
	BoltPath     string `env:"BOLT_PATH" envDefault:"fiatescrow.db"`
	AutoMigrate  bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// Escrow identities, base58
	ArbitratorID identity.ID `env:"ARBITRATOR_ID"`
	FeeSinkID    identity.ID `env:"FEE_SINK_ID"`
	CustodyID    identity.ID `env:"CUSTODY_ID"`

	// Security
	JWTSecret      string  `env:"JWT_SECRET"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	// Tracing; empty disables export
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Background workers
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	DispatchInterval  time.Duration `env:"DISPATCH_INTERVAL" envDefault:"5s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
}

// minProductionSecret is the shortest JWT secret accepted in production.
const minProductionSecret = 32

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required for the bolt backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, postgres, redis, bolt (got %q)", c.StoreBackend)
	}

	ids := []struct {
		name string
		id   identity.ID
	}{
		{"ARBITRATOR_ID", c.ArbitratorID},
		{"FEE_SINK_ID", c.FeeSinkID},
		{"CUSTODY_ID", c.CustodyID},
	}
	for i, a := range ids {
		if a.id.IsZero() {
			return fmt.Errorf("%s is required", a.name)
		}
		for _, b := range ids[:i] {
			if a.id == b.id {
				return fmt.Errorf("%s must differ from %s", a.name, b.name)
			}
		}
	}

	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < minProductionSecret {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in production", minProductionSecret)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.SweepInterval <= 0 || c.DispatchInterval <= 0 || c.ReconcileInterval <= 0 {
		return errors.New("worker intervals must be positive")
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
