// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
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

	// Escrow settings
	EscrowWindow      time.Duration // how long a hold may stay unconfirmed before expiry
	SweepInterval     time.Duration // recovery scheduler cycle
	AmountEpsilon     int64         // cents of tolerance between caller total and book price
	MaxAmount         string        // per-transaction cap fed to the risk scorer
	DailyAmountCap    string        // per-user daily volume cap fed to the risk scorer
	AutoRefundLimit   string        // max amount eligible for automatic-tier refunds
	HighRiskCountries []string      // ISO country codes treated as high risk

	// Fraud screening
	BlacklistedUsers   []string // user ids declined outright
	BlacklistedIPs     []string // IP addresses declined outright
	BlacklistedMethods []string // payment-method identifiers declined outright

	// Field encryption
	MasterKey     string   // hex-encoded 32-byte AES key, required
	RetiredKeys   []string // previous master keys kept for decryption, "keyId:hex" pairs
	SigningSecret string   // HMAC secret for envelope signatures and webhooks

	// Notifications
	EscalationWebhookURL string // POST target for manual/admin escalations (optional)

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultEscrowWindow  = 24 * time.Hour
	DefaultSweepInterval = 30 * time.Second
	DefaultMaxAmount     = "500.00"
	DefaultDailyCap      = "1000.00"
	DefaultAutoRefund    = "50.00"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EscrowWindow:         getEnvDuration("ESCROW_WINDOW", DefaultEscrowWindow),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AmountEpsilon:        getEnvInt64("AMOUNT_EPSILON_CENTS", 1),
		MaxAmount:            getEnv("MAX_AMOUNT", DefaultMaxAmount),
		DailyAmountCap:       getEnv("DAILY_AMOUNT_CAP", DefaultDailyCap),
		AutoRefundLimit:      getEnv("AUTO_REFUND_LIMIT", DefaultAutoRefund),
		HighRiskCountries:    splitList(os.Getenv("HIGH_RISK_COUNTRIES")),
		BlacklistedUsers:     splitList(os.Getenv("BLACKLISTED_USERS")),
		BlacklistedIPs:       splitList(os.Getenv("BLACKLISTED_IPS")),
		BlacklistedMethods:   splitList(os.Getenv("BLACKLISTED_METHODS")),
		MasterKey:            os.Getenv("FIELD_MASTER_KEY"), // Required, no default
		RetiredKeys:          splitList(os.Getenv("FIELD_RETIRED_KEYS")),
		SigningSecret:        os.Getenv("SIGNING_SECRET"),
		EscalationWebhookURL: os.Getenv("ESCALATION_WEBHOOK_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// Only key misconfiguration is fatal at startup; everything else degrades.
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("FIELD_MASTER_KEY is required")
	}

	key, err := hex.DecodeString(c.MasterKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("FIELD_MASTER_KEY must be 64 hex characters (32 bytes)")
	}

	for _, pair := range c.RetiredKeys {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("FIELD_RETIRED_KEYS entries must be keyId:hex pairs")
		}
		old, err := hex.DecodeString(parts[1])
		if err != nil || len(old) != 32 {
			return fmt.Errorf("retired key %s must be 64 hex characters", parts[0])
		}
	}

	if c.EscrowWindow <= 0 {
		return fmt.Errorf("ESCROW_WINDOW must be positive")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
