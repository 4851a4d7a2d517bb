// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Ledger backends selectable via LEDGER_BACKEND.
const (
	LedgerMemory = "memory"
	LedgerHTTP   = "http"
	LedgerChain  = "chain"
	LedgerStripe = "stripe"
)

// Release triggers selectable via RELEASE_TRIGGER.
const (
	TriggerConsensus = "consensus"
	TriggerShipment  = "shipment"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "text" or "json"

	// Storage (optional, uses in-memory stores if not set)
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Events
	RabbitMQURL    string   `env:"RABBITMQ_URL"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:","`
	EventsExchange string   `env:"EVENTS_EXCHANGE" envDefault:"tradeescrow.events"`
	EventsTopic    string   `env:"EVENTS_TOPIC" envDefault:"tradeescrow.events"`
	InboundQueue   string   `env:"INBOUND_QUEUE" envDefault:"tradeescrow.inbound"`

	// Ledger
	LedgerBackend     string        `env:"LEDGER_BACKEND" envDefault:"memory"`
	LedgerURL         string        `env:"LEDGER_URL"`
	LedgerAPIKey      string        `env:"LEDGER_API_KEY"`
	LedgerTimeout     time.Duration `env:"LEDGER_TIMEOUT" envDefault:"10s"`
	LedgerMaxAttempts int           `env:"LEDGER_MAX_ATTEMPTS" envDefault:"3"`

	// Escrow contract (LEDGER_BACKEND=chain)
	RPCURL         string `env:"RPC_URL" envDefault:"https://sepolia.base.org"`
	ChainID        int64  `env:"CHAIN_ID" envDefault:"84532"`
	PrivateKey     string `env:"PRIVATE_KEY"` // Hex-encoded, with or without 0x prefix
	EscrowContract string `env:"ESCROW_CONTRACT"`

	// Fiat payouts (LEDGER_BACKEND=stripe)
	StripeSecretKey string `env:"STRIPE_SECRET_KEY"`

	// Escrow policy
	ReleaseTrigger    string        `env:"RELEASE_TRIGGER" envDefault:"consensus"`
	RequireKYC        bool          `env:"REQUIRE_KYC" envDefault:"false"`
	RequireDocuments  bool          `env:"REQUIRE_DOCUMENTS" envDefault:"false"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	PendingGrace      time.Duration `env:"PENDING_GRACE" envDefault:"10m"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Security
	AdminSecret string `env:"ADMIN_SECRET"`
}

// Defaults mirrored from the struct tags, used by tests and docs.
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultRPCURL   = "https://sepolia.base.org"
	DefaultChainID  = 84532 // Base Sepolia
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	cfg.LedgerBackend = strings.ToLower(cfg.LedgerBackend)
	cfg.ReleaseTrigger = strings.ToLower(cfg.ReleaseTrigger)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.ReleaseTrigger {
	case TriggerConsensus, TriggerShipment:
	default:
		return fmt.Errorf("RELEASE_TRIGGER must be %q or %q", TriggerConsensus, TriggerShipment)
	}

	switch c.LedgerBackend {
	case LedgerMemory:
	case LedgerHTTP:
		if c.LedgerURL == "" {
			return fmt.Errorf("LEDGER_URL is required when LEDGER_BACKEND=http")
		}
	case LedgerChain:
		if err := validatePrivateKey(c.PrivateKey); err != nil {
			return err
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required when LEDGER_BACKEND=chain")
		}
	case LedgerStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when LEDGER_BACKEND=stripe")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be one of memory, http, chain, stripe")
	}

	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive")
	}
	if c.LedgerMaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

func validatePrivateKey(key string) error {
	if key == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	// Allow both with and without 0x prefix
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	return nil
}

// ShipmentTriggered reports whether PARTIAL_50 is released on shipment
// rather than on bank consensus.
func (c *Config) ShipmentTriggered() bool {
	return c.ReleaseTrigger == TriggerShipment
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
