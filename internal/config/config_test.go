package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatescrow/internal/identity"
)

var (
	arbitratorID = identity.ID{3}
	feeSinkID    = identity.ID{5}
	custodyID    = identity.ID{4}
)

// setRequired sets the variables Load cannot default.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ARBITRATOR_ID", arbitratorID.String())
	t.Setenv("FEE_SINK_ID", feeSinkID.String())
	t.Setenv("CUSTODY_ID", custodyID.String())
	t.Setenv("JWT_SECRET", "test-secret")
}

func validConfig() Config {
	return Config{
		Env:               "development",
		StoreBackend:      BackendMemory,
		BoltPath:          "fiatescrow.db",
		ArbitratorID:      arbitratorID,
		FeeSinkID:         feeSinkID,
		CustodyID:         custodyID,
		JWTSecret:         "test-secret",
		RateLimitRPS:      20,
		RateLimitBurst:    40,
		SweepInterval:     time.Second,
		DispatchInterval:  time.Second,
		ReconcileInterval: time.Second,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("SWEEP_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, arbitratorID, cfg.ArbitratorID)
	assert.Equal(t, custodyID, cfg.CustodyID)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.DispatchInterval)
	assert.True(t, cfg.AutoMigrate)
}

func TestLoad_MissingArbitrator(t *testing.T) {
	setRequired(t)
	t.Setenv("ARBITRATOR_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARBITRATOR_ID is required")
}

func TestLoad_InvalidIdentity(t *testing.T) {
	setRequired(t)
	t.Setenv("CUSTODY_ID", "not-base58-0OIl")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestLoad_InvalidDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("DISPATCH_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.StoreBackend = "sqlite" },
			wantErr: "STORE_BACKEND must be one of",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.StoreBackend = BackendPostgres },
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.StoreBackend = BackendRedis },
			wantErr: "REDIS_URL is required",
		},
		{
			name: "bolt without path",
			mutate: func(c *Config) {
				c.StoreBackend = BackendBolt
				c.BoltPath = ""
			},
			wantErr: "BOLT_PATH is required",
		},
		{
			name:    "missing custody",
			mutate:  func(c *Config) { c.CustodyID = identity.Zero },
			wantErr: "CUSTODY_ID is required",
		},
		{
			name:    "custody is arbitrator",
			mutate:  func(c *Config) { c.CustodyID = c.ArbitratorID },
			wantErr: "CUSTODY_ID must differ from ARBITRATOR_ID",
		},
		{
			name:    "missing secret",
			mutate:  func(c *Config) { c.JWTSecret = "" },
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "short production secret",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "zero burst",
			mutate:  func(c *Config) { c.RateLimitBurst = 0 },
			wantErr: "must be positive",
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.ReconcileInterval = 0 },
			wantErr: "intervals must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
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
}
