// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement
	SettlementProgram string  // Multisig program address on-chain
	SettlementRPCURL  string  // Settlement authority endpoint
	TreasuryWallet    string  // Platform fee recipient
	SOLUSDRate        float64 // Injected SOL/USD reference rate

	// Shipping
	ShippingAPIURL string // Carrier aggregator endpoint (optional, stub if not set)
	ShippingAPIKey string

	// Security
	WebhookSecret string
	AdminSecret   string // Admin API secret
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string // OTEL collector endpoint (optional)
}

// Defaults
const (
	DefaultPort       = "8080"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultSOLUSDRate = 150.0
	DefaultRateLimit  = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SettlementProgram: os.Getenv("SETTLEMENT_PROGRAM"),
		SettlementRPCURL:  os.Getenv("SETTLEMENT_RPC_URL"),
		TreasuryWallet:    os.Getenv("TREASURY_WALLET"),
		SOLUSDRate:        getEnvFloat("SOL_USD_RATE", DefaultSOLUSDRate),
		ShippingAPIURL:    os.Getenv("SHIPPING_API_URL"),
		ShippingAPIKey:    os.Getenv("SHIPPING_API_KEY"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SOLUSDRate <= 0 {
		return fmt.Errorf("SOL_USD_RATE must be positive")
	}
	if c.TreasuryWallet == "" && c.IsProduction() {
		return fmt.Errorf("TREASURY_WALLET is required in production")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
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
