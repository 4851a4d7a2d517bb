package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LEDGER_BACKEND", "")
	t.Setenv("RELEASE_TRIGGER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, LedgerMemory, cfg.LedgerBackend)
	assert.Equal(t, TriggerConsensus, cfg.ReleaseTrigger)
	assert.Equal(t, 10*time.Second, cfg.LedgerTimeout)
	assert.Equal(t, 10*time.Minute, cfg.PendingGrace)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.False(t, cfg.ShipmentTriggered())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RELEASE_TRIGGER", "SHIPMENT")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LEDGER_TIMEOUT", "3s")
	t.Setenv("REQUIRE_KYC", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.ShipmentTriggered())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3*time.Second, cfg.LedgerTimeout)
	assert.True(t, cfg.RequireKYC)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("LEDGER_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			ReleaseTrigger:    TriggerConsensus,
			LedgerBackend:     LedgerMemory,
			LedgerTimeout:     time.Second,
			LedgerMaxAttempts: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid memory", mutate: func(c *Config) {}},
		{
			name:    "bad trigger",
			mutate:  func(c *Config) { c.ReleaseTrigger = "delivery" },
			wantErr: "RELEASE_TRIGGER",
		},
		{
			name:    "http without url",
			mutate:  func(c *Config) { c.LedgerBackend = LedgerHTTP },
			wantErr: "LEDGER_URL is required",
		},
		{
			name: "chain missing key",
			mutate: func(c *Config) {
				c.LedgerBackend = LedgerChain
				c.RPCURL = DefaultRPCURL
				c.EscrowContract = "0xabc"
			},
			wantErr: "PRIVATE_KEY is required",
		},
		{
			name: "chain short key",
			mutate: func(c *Config) {
				c.LedgerBackend = LedgerChain
				c.PrivateKey = "tooshort"
			},
			wantErr: "64 hex characters",
		},
		{
			name: "chain valid with 0x prefix",
			mutate: func(c *Config) {
				c.LedgerBackend = LedgerChain
				c.PrivateKey = "0x" + testKey
				c.RPCURL = DefaultRPCURL
				c.EscrowContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
			},
		},
		{
			name:    "stripe without key",
			mutate:  func(c *Config) { c.LedgerBackend = LedgerStripe },
			wantErr: "STRIPE_SECRET_KEY",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.LedgerBackend = "paper" },
			wantErr: "LEDGER_BACKEND must be",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.LedgerMaxAttempts = 0 },
			wantErr: "LEDGER_MAX_ATTEMPTS",
		},
		{
			name:    "production without admin secret",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "ADMIN_SECRET",
		},
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

func TestConfig_EnvHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
