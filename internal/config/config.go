// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

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

	// Confirmation network settings
	RPCURL           string // Ledger network RPC endpoint (optional, uses simulator if not set)
	ChainID          int64
	ContractAddress  string // Transfer registry contract
	AuthorityKey     string // Hex-encoded private key of the validating authority
	AuthorityAddress string
	ClubKeys         string // JSON map of club account -> hex private key

	// Settlement settings
	StepTimeout     time.Duration // Per external confirmation step
	HistoryDepth    int           // Completed transfers pulled per club for fraud scoring
	DefaultOfferTTL int           // Days until an unanswered offer expires

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Defaults for a local development setup against a Ganache-style network.
const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultChainID     = 1337
	DefaultStepTimeout = 60 * time.Second
	DefaultHistory     = 10
	DefaultOfferTTL    = 7
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RPCURL:           os.Getenv("RPC_URL"),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		ContractAddress:  os.Getenv("CONTRACT_ADDRESS"),
		AuthorityKey:     os.Getenv("AUTHORITY_KEY"),
		AuthorityAddress: os.Getenv("AUTHORITY_ADDRESS"),
		ClubKeys:         os.Getenv("CLUB_KEYS"),
		StepTimeout:      getEnvDuration("STEP_TIMEOUT", DefaultStepTimeout),
		HistoryDepth:     int(getEnvInt64("HISTORY_DEPTH", DefaultHistory)),
		DefaultOfferTTL:  int(getEnvInt64("OFFER_TTL_DAYS", DefaultOfferTTL)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	// Simulator mode needs no chain credentials at all.
	if c.RPCURL == "" {
		return nil
	}

	if c.ContractAddress == "" {
		return fmt.Errorf("CONTRACT_ADDRESS is required when RPC_URL is set")
	}
	if c.AuthorityKey == "" {
		return fmt.Errorf("AUTHORITY_KEY is required when RPC_URL is set")
	}

	key := strings.TrimPrefix(c.AuthorityKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("AUTHORITY_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.StepTimeout < time.Second {
		return fmt.Errorf("STEP_TIMEOUT must be at least 1s, got %s", c.StepTimeout)
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
