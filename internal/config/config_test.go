package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "DATABASE_URL", "postgres://localhost:5432/timevision_test")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultMaxDailySeconds), cfg.MaxDailySeconds)
	assert.Equal(t, int64(DefaultMaxSessionSeconds), cfg.MaxSessionSeconds)
	assert.Equal(t, DefaultSettlementDay, cfg.SettlementDay)
	assert.Equal(t, DefaultReserveMargin, cfg.ReserveMargin)
	assert.Equal(t, DefaultMonthlyPrice, cfg.SubscriptionMonthly)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "DATABASE_URL", "postgres://localhost:5432/timevision_test")
	setEnv(t, "MAX_DAILY_SECONDS", "3600")
	setEnv(t, "MAX_SESSION_SECONDS", "1800")
	setEnv(t, "RESERVE_MARGIN", "0.1")
	setEnv(t, "CORS_ORIGINS", "https://hub.example.com, https://app.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(3600), cfg.MaxDailySeconds)
	assert.Equal(t, int64(1800), cfg.MaxSessionSeconds)
	assert.Equal(t, 0.1, cfg.ReserveMargin)
	assert.Equal(t, []string{"https://hub.example.com", "https://app.example.com"}, cfg.CORSOrigins)
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			DatabaseURL:       "postgres://localhost/tv",
			JWTSecret:         "secret",
			MaxDailySeconds:   DefaultMaxDailySeconds,
			MaxSessionSeconds: DefaultMaxSessionSeconds,
			SettlementDay:     1,
			ReserveMargin:     0.05,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"session cap above daily cap", func(c *Config) { c.MaxSessionSeconds = c.MaxDailySeconds + 1 }, "cannot exceed"},
		{"settlement day zero", func(c *Config) { c.SettlementDay = 0 }, "SETTLEMENT_DAY"},
		{"settlement day 29", func(c *Config) { c.SettlementDay = 29 }, "SETTLEMENT_DAY"},
		{"negative margin", func(c *Config) { c.ReserveMargin = -0.01 }, "RESERVE_MARGIN"},
		{"margin of one", func(c *Config) { c.ReserveMargin = 1.0 }, "RESERVE_MARGIN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
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

func TestConfig_JWTSecretRequiredInProduction(t *testing.T) {
	cfg := Config{
		DatabaseURL:       "postgres://localhost/tv",
		Env:               "production",
		MaxDailySeconds:   DefaultMaxDailySeconds,
		MaxSessionSeconds: DefaultMaxSessionSeconds,
		SettlementDay:     1,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
