// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	RedisURL        string // Mirror read cache (optional)
	RedisCacheTTL   time.Duration
	DevAssets       bool // Expose mint/approve/fund endpoints for the custody asset backend
	OTLPEndpoint    string
	ReconcileEvery  time.Duration
	WebhookTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Custody
	RegistryAddress string
	FeeRecipient    string
	FeeBasisPoints  int64

	// Security
	AuthDisabled bool
	AuthMaxSkew  time.Duration
	AdminSecret  string // X-Admin-Secret for operator routes
	RateLimitRPM int
	CORSOrigins  []string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultRegistryAddress = "0x00000000000000000000000000000000000e5c40"
	DefaultFeeRecipient    = "0x000000000000000000000000000000000000fee5"
	DefaultFeeBasisPoints  = 250
	DefaultRateLimit       = 120
	DefaultReconcileEvery  = 2 * time.Minute
	MaxFeeBasisPoints      = 10000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 5),
		RedisURL:        os.Getenv("REDIS_URL"),
		RedisCacheTTL:   getEnvDuration("REDIS_CACHE_TTL", 30*time.Second),
		DevAssets:       getEnvBool("DEV_ASSETS", false),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileEvery:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		WebhookTimeout:  getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		RegistryAddress: strings.ToLower(getEnv("REGISTRY_ADDRESS", DefaultRegistryAddress)),
		FeeRecipient:    strings.ToLower(getEnv("FEE_RECIPIENT", DefaultFeeRecipient)),
		FeeBasisPoints:  getEnvInt64("FEE_BASIS_POINTS", DefaultFeeBasisPoints),
		AuthDisabled:    getEnvBool("AUTH_DISABLED", false),
		AuthMaxSkew:     getEnvDuration("AUTH_MAX_SKEW", 5*time.Minute),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:    getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		CORSOrigins:     splitList(os.Getenv("CORS_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeeBasisPoints < 0 || c.FeeBasisPoints > MaxFeeBasisPoints {
		return fmt.Errorf("FEE_BASIS_POINTS must be between 0 and %d", MaxFeeBasisPoints)
	}
	if !common.IsHexAddress(c.FeeRecipient) {
		return fmt.Errorf("FEE_RECIPIENT must be a valid address")
	}
	if !common.IsHexAddress(c.RegistryAddress) {
		return fmt.Errorf("REGISTRY_ADDRESS must be a valid address")
	}
	if c.ReconcileEvery <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.IsProduction() {
		if c.AuthDisabled {
			return fmt.Errorf("AUTH_DISABLED is not allowed in production")
		}
		if c.DevAssets {
			return fmt.Errorf("DEV_ASSETS is not allowed in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
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

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
