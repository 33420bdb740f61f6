package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tipstream/tipstream/internal/domain"
)

// Config holds the application configuration.
type Config struct {
	// WalletKey is the broadcaster wallet's hex-encoded private key. Required
	// by every flow that signs (auth, channel operations, claim).
	WalletKey string `env:"TIPSTREAM_WALLET_KEY"`

	ClearNodeURL string `env:"TIPSTREAM_CLEARNODE_URL" envDefault:"wss://clearnet-sandbox.yellow.com/ws"`
	RedisAddr    string `env:"TIPSTREAM_REDIS_ADDR"    envDefault:"localhost:6379"`

	StreamID  string `env:"TIPSTREAM_STREAM_ID"`
	MediaFile string `env:"TIPSTREAM_MEDIA_FILE"`

	Application string `env:"TIPSTREAM_APPLICATION" envDefault:"tipping-live-app"`

	// Settlement asset selection: the distinguished asset tips settle in.
	SettlementAsset    string  `env:"TIPSTREAM_SETTLEMENT_ASSET"    envDefault:"ytest.usd"`
	SettlementDecimals int     `env:"TIPSTREAM_SETTLEMENT_DECIMALS" envDefault:"6"`
	SettlementChains   []int64 `env:"TIPSTREAM_SETTLEMENT_CHAINS"   envDefault:"11155111,59141"`
	AllowanceAmount    string  `env:"TIPSTREAM_ALLOWANCE_AMOUNT"    envDefault:"1000"`

	STUNServers []string `env:"TIPSTREAM_STUN_SERVERS" envDefault:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"`

	LogLevel string `env:"TIPSTREAM_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// Allowances builds the session allowance list: a single allowance for the
// settlement asset, capped at the configured amount.
func (c *Config) Allowances() []domain.Allowance {
	return []domain.Allowance{{Asset: c.SettlementAsset, Amount: c.AllowanceAmount}}
}

// RequireWallet fails when no wallet key is configured.
func (c *Config) RequireWallet() error {
	if c.WalletKey == "" {
		return fmt.Errorf("TIPSTREAM_WALLET_KEY environment variable is required")
	}
	return nil
}

// RequireStream fails when no stream identifier is configured.
func (c *Config) RequireStream() error {
	if c.StreamID == "" {
		return fmt.Errorf("TIPSTREAM_STREAM_ID environment variable is required")
	}
	return nil
}
