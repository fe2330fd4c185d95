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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Vault identity
	ChainID           int64
	VaultContract     string // address the vault signs and holds funds as
	GovernanceAddress string // only address allowed to set strategy / rebalance
	SigningDomainName string // EIP-712 domain name for offline authorizations

	// Vault behavior
	IdleBuffer    string // idle balance Rebalance leaves in the vault, decimal
	AnnualRateBps int64  // simulated pool interest rate in basis points

	// Presentment
	ReceiptHMACSecret string // HMAC secret for signing invoice settlements (optional)

	// Security
	RateLimitRPS     int
	AuthRequired     bool   // reject mutations without an API key bound to the acting address
	GovernanceAPIKey string // pre-shared key seeded for the governance address at startup

	// Observability
	OTELEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Base Sepolia defaults
const (
	DefaultChainID       = 84532 // Base Sepolia
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultDomainName    = "StableVault"
	DefaultIdleBuffer    = "0"
	DefaultAnnualRateBps = 500
	DefaultRateLimit     = 100
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
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		VaultContract:     os.Getenv("VAULT_CONTRACT"), // Required, no default
		GovernanceAddress: os.Getenv("GOVERNANCE_ADDRESS"),
		SigningDomainName: getEnv("SIGNING_DOMAIN_NAME", DefaultDomainName),
		IdleBuffer:        getEnv("IDLE_BUFFER", DefaultIdleBuffer),
		AnnualRateBps:     getEnvInt64("ANNUAL_RATE_BPS", DefaultAnnualRateBps),
		ReceiptHMACSecret: os.Getenv("RECEIPT_HMAC_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		GovernanceAPIKey:  os.Getenv("GOVERNANCE_API_KEY"),
		OTELEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	// Identity enforcement defaults on outside local development.
	cfg.AuthRequired = getEnvBool("AUTH_REQUIRED", !cfg.IsDevelopment())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.VaultContract == "" {
		return fmt.Errorf("VAULT_CONTRACT is required")
	}
	if !isHexAddress(c.VaultContract) {
		return fmt.Errorf("VAULT_CONTRACT must be a 0x-prefixed 40-hex-character address")
	}

	if c.GovernanceAddress == "" {
		return fmt.Errorf("GOVERNANCE_ADDRESS is required")
	}
	if !isHexAddress(c.GovernanceAddress) {
		return fmt.Errorf("GOVERNANCE_ADDRESS must be a 0x-prefixed 40-hex-character address")
	}

	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.AnnualRateBps < 0 {
		return fmt.Errorf("ANNUAL_RATE_BPS must not be negative")
	}
	if c.AuthRequired && c.GovernanceAPIKey == "" {
		return fmt.Errorf("GOVERNANCE_API_KEY is required when AUTH_REQUIRED is on")
	}
	if c.GovernanceAPIKey != "" && !strings.HasPrefix(c.GovernanceAPIKey, "sk_") {
		return fmt.Errorf("GOVERNANCE_API_KEY must start with sk_")
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

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
