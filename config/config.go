// Package config loads the static configuration consumed by the core.
// Values are plain: durations are strings parsed on access, money is a
// decimal string.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Trade   TradeConfig   `json:"trade" yaml:"trade"`
	Recon   ReconConfig   `json:"recon" yaml:"recon"`
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
	Ledger  LedgerConfig  `json:"ledger" yaml:"ledger"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig configures the webhook listener.
type ServerConfig struct {
	Addr        string `json:"addr" yaml:"addr"`
	Token       string `json:"token,omitempty" yaml:"token,omitempty"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// TradeConfig configures the execution engine.
type TradeConfig struct {
	Notional       string `json:"notional" yaml:"notional"`
	DedupWindow    string `json:"dedup_window" yaml:"dedup_window"`
	GatewayTimeout string `json:"gateway_timeout" yaml:"gateway_timeout"`
}

// ParseNotional returns the fixed per-trade dollar amount.
func (t TradeConfig) ParseNotional() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Notional)
}

// ParseDedupWindow returns the duplicate-suppression window.
func (t TradeConfig) ParseDedupWindow() (time.Duration, error) {
	return time.ParseDuration(t.DedupWindow)
}

// ParseGatewayTimeout returns the per-call broker timeout.
func (t TradeConfig) ParseGatewayTimeout() (time.Duration, error) {
	return time.ParseDuration(t.GatewayTimeout)
}

// ReconConfig configures the reconciliation job.
type ReconConfig struct {
	Interval     string `json:"interval" yaml:"interval"`
	FetchTimeout string `json:"fetch_timeout" yaml:"fetch_timeout"`
}

// ParseInterval returns the reconciliation period.
func (r ReconConfig) ParseInterval() (time.Duration, error) {
	return time.ParseDuration(r.Interval)
}

// ParseFetchTimeout returns the snapshot fetch timeout.
func (r ReconConfig) ParseFetchTimeout() (time.Duration, error) {
	return time.ParseDuration(r.FetchTimeout)
}

// BrokerConfig configures the venue client. Credentials stay out of the
// config file: KeyEnv and SecretEnv name the environment variables that
// hold them.
type BrokerConfig struct {
	BaseURL   string  `json:"base_url" yaml:"base_url"`
	KeyEnv    string  `json:"key_env" yaml:"key_env"`
	SecretEnv string  `json:"secret_env" yaml:"secret_env"`
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
}

// LedgerConfig configures local persistence.
type LedgerConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	notional, err := c.Trade.ParseNotional()
	if err != nil {
		return fmt.Errorf("trade.notional: %w", err)
	}
	if !notional.IsPositive() {
		return fmt.Errorf("trade.notional must be positive")
	}
	if d, err := c.Trade.ParseDedupWindow(); err != nil || d <= 0 {
		return fmt.Errorf("trade.dedup_window must be a positive duration")
	}
	if d, err := c.Trade.ParseGatewayTimeout(); err != nil || d <= 0 {
		return fmt.Errorf("trade.gateway_timeout must be a positive duration")
	}

	if d, err := c.Recon.ParseInterval(); err != nil || d <= 0 {
		return fmt.Errorf("recon.interval must be a positive duration")
	}
	if d, err := c.Recon.ParseFetchTimeout(); err != nil || d <= 0 {
		return fmt.Errorf("recon.fetch_timeout must be a positive duration")
	}

	if c.Broker.KeyEnv == "" || c.Broker.SecretEnv == "" {
		return fmt.Errorf("broker.key_env and broker.secret_env are required")
	}
	if c.Ledger.DBPath == "" {
		return fmt.Errorf("ledger.db_path is required")
	}
	return nil
}

// Default returns a configuration with sensible defaults, targeting the
// venue's paper environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Trade: TradeConfig{
			Notional:       "2000",
			DedupWindow:    "30s",
			GatewayTimeout: "10s",
		},
		Recon: ReconConfig{
			Interval:     "3m",
			FetchTimeout: "30s",
		},
		Broker: BrokerConfig{
			BaseURL:   "https://paper-api.alpaca.markets",
			KeyEnv:    "ALPACA_KEY",
			SecretEnv: "ALPACA_SECRET",
			RateLimit: 3,
		},
		Ledger: LedgerConfig{
			DBPath: "./signalbridge.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
