// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Stores
	DatabaseURL string // PostgreSQL connection string
	RedisURL    string // Redis connection string (live session state)

	// Auth
	JWTSecret   string
	AdminSecret string

	// Subscription pricing (EUR)
	SubscriptionMonthly float64
	SubscriptionAnnual  float64
	MinContractMonths   int

	// Session limits (anti-fraud)
	MaxDailySeconds   int64 // daily cap across all sessions
	MaxSessionSeconds int64 // cap for one continuous session
	HeartbeatInterval int64 // seconds between client heartbeats
	HeartbeatTimeout  int64 // seconds without heartbeat before watchdog reaps
	WatchdogInterval  int64 // seconds between watchdog sweeps

	// Settlement
	SettlementDay int     // day of month the settlement job fires
	ReserveMargin float64 // fraction of hub costs held back as reserve

	// Observability
	OTLPEndpoint string
	RateLimitRPM int

	// CORS
	CORSOrigins []string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultMonthlyPrice      = 50.0
	DefaultAnnualPrice       = 540.0 // 10% discount
	DefaultMinContractMonths = 6
	DefaultMaxDailySeconds   = 57600 // 16 hours
	DefaultMaxSessionSeconds = 21600 // 6 hours
	DefaultHeartbeatInterval = 60
	DefaultHeartbeatTimeout  = 300
	DefaultWatchdogInterval  = 30
	DefaultSettlementDay     = 1
	DefaultReserveMargin     = 0.05
	DefaultRateLimitRPM      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		SubscriptionMonthly: getEnvFloat("SUBSCRIPTION_MONTHLY", DefaultMonthlyPrice),
		SubscriptionAnnual:  getEnvFloat("SUBSCRIPTION_ANNUAL", DefaultAnnualPrice),
		MinContractMonths:   int(getEnvInt64("MIN_CONTRACT_MONTHS", DefaultMinContractMonths)),
		MaxDailySeconds:     getEnvInt64("MAX_DAILY_SECONDS", DefaultMaxDailySeconds),
		MaxSessionSeconds:   getEnvInt64("MAX_SESSION_SECONDS", DefaultMaxSessionSeconds),
		HeartbeatInterval:   getEnvInt64("HEARTBEAT_INTERVAL_SEC", DefaultHeartbeatInterval),
		HeartbeatTimeout:    getEnvInt64("HEARTBEAT_TIMEOUT_SEC", DefaultHeartbeatTimeout),
		WatchdogInterval:    getEnvInt64("WATCHDOG_INTERVAL_SEC", DefaultWatchdogInterval),
		SettlementDay:       int(getEnvInt64("SETTLEMENT_DAY", DefaultSettlementDay)),
		ReserveMargin:       getEnvFloat("RESERVE_MARGIN", DefaultReserveMargin),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:         splitOrigins(getEnv("CORS_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		if c.IsProduction() {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		c.JWTSecret = "dev-secret-change-in-production"
	}
	if c.MaxSessionSeconds > c.MaxDailySeconds {
		return fmt.Errorf("MAX_SESSION_SECONDS (%d) cannot exceed MAX_DAILY_SECONDS (%d)",
			c.MaxSessionSeconds, c.MaxDailySeconds)
	}
	if c.SettlementDay < 1 || c.SettlementDay > 28 {
		return fmt.Errorf("SETTLEMENT_DAY must be between 1 and 28, got %d", c.SettlementDay)
	}
	if c.ReserveMargin < 0 || c.ReserveMargin >= 1 {
		return fmt.Errorf("RESERVE_MARGIN must be in [0, 1), got %v", c.ReserveMargin)
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
