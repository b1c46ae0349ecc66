// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Blockchain settings
	ChainRPCURLs map[string]string // chain name -> RPC URL override
	PrivateKey   string            // Custody wallet key, hex-encoded, with or without 0x prefix
	DefaultChain string

	// M-Pesa (Daraja) settings. If ConsumerKey is empty the server runs with
	// a simulated gateway that auto-accepts requests.
	MpesaBaseURL            string
	MpesaConsumerKey        string
	MpesaConsumerSecret     string
	MpesaShortcode          string
	MpesaPasskey            string
	MpesaInitiatorName      string
	MpesaSecurityCredential string
	CallbackBaseURL         string // public base URL the gateway posts callbacks to

	// Settlement settings
	ConfirmationWindow time.Duration // how long to wait for a leg confirmation before rollback
	FiatCurrency       string

	// Queue settings
	QueueBatchSize     int
	QueueMaxAttempts   int
	QueueMaxAge        time.Duration
	QueueStalenessSecs int // processing entries older than this are recovered

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultChain              = "base-sepolia"
	DefaultMpesaBaseURL       = "https://sandbox.safaricom.co.ke"
	DefaultFiatCurrency       = "KES"
	DefaultConfirmationWindow = 3 * time.Minute
	DefaultQueueBatchSize     = 10
	DefaultQueueMaxAttempts   = 5
	DefaultQueueMaxAge        = 24 * time.Hour
	DefaultQueueStaleness     = 300
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ChainRPCURLs: map[string]string{
			"base":         os.Getenv("BASE_RPC_URL"),
			"base-sepolia": os.Getenv("BASE_SEPOLIA_RPC_URL"),
			"celo":         os.Getenv("CELO_RPC_URL"),
		},
		PrivateKey:              os.Getenv("PRIVATE_KEY"), // Required, no default
		DefaultChain:            getEnv("DEFAULT_CHAIN", DefaultChain),
		MpesaBaseURL:            getEnv("MPESA_BASE_URL", DefaultMpesaBaseURL),
		MpesaConsumerKey:        os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSecret:     os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaShortcode:          os.Getenv("MPESA_SHORTCODE"),
		MpesaPasskey:            os.Getenv("MPESA_PASSKEY"),
		MpesaInitiatorName:      os.Getenv("MPESA_INITIATOR_NAME"),
		MpesaSecurityCredential: os.Getenv("MPESA_SECURITY_CREDENTIAL"),
		CallbackBaseURL:         os.Getenv("CALLBACK_BASE_URL"),
		ConfirmationWindow:      getEnvDuration("CONFIRMATION_WINDOW", DefaultConfirmationWindow),
		FiatCurrency:            getEnv("FIAT_CURRENCY", DefaultFiatCurrency),
		QueueBatchSize:          int(getEnvInt64("QUEUE_BATCH_SIZE", DefaultQueueBatchSize)),
		QueueMaxAttempts:        int(getEnvInt64("QUEUE_MAX_ATTEMPTS", DefaultQueueMaxAttempts)),
		QueueMaxAge:             getEnvDuration("QUEUE_MAX_AGE", DefaultQueueMaxAge),
		QueueStalenessSecs:      int(getEnvInt64("QUEUE_STALENESS_SECONDS", DefaultQueueStaleness)),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.MpesaConsumerKey != "" {
		if c.MpesaShortcode == "" || c.MpesaPasskey == "" {
			return fmt.Errorf("MPESA_SHORTCODE and MPESA_PASSKEY are required when MPESA_CONSUMER_KEY is set")
		}
		if c.CallbackBaseURL == "" {
			return fmt.Errorf("CALLBACK_BASE_URL is required when MPESA_CONSUMER_KEY is set")
		}
	}

	if c.ConfirmationWindow <= 0 {
		return fmt.Errorf("CONFIRMATION_WINDOW must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive")
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
