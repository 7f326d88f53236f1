// Package config defines all configuration for the execution-and-reconciliation
// gateway. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via GATEWAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Symbols   []string        `mapstructure:"symbols"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Chase     ChaseConfig     `mapstructure:"chase"`
	Momentum  MomentumConfig  `mapstructure:"momentum"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
}

// APIConfig configures the HTTP surface for starting/cancelling chases and
// momentum instances and streaming events.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExchangeConfig holds signed-API credentials and endpoints for the
// perpetual-futures exchange the Exchange Connector talks to.
type ExchangeConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	BaseURL     string        `mapstructure:"base_url"`
	WSBaseURL   string        `mapstructure:"ws_base_url"`
	RecvWindow  time.Duration `mapstructure:"recv_window"`
}

// ChaseConfig sets the Chase Engine's process-wide caps.
type ChaseConfig struct {
	MaxActive       int           `mapstructure:"max_active"`
	RepriceThrottle time.Duration `mapstructure:"reprice_throttle"`
	SnapshotTTL     time.Duration `mapstructure:"snapshot_ttl"`
}

// MomentumConfig sets the Momentum Engine's process-wide caps.
type MomentumConfig struct {
	MaxActive   int           `mapstructure:"max_active"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// RiskConfig sets pre-trade caps enforced by the Risk Gate.
type RiskConfig struct {
	MaxLeverage         int     `mapstructure:"max_leverage"`
	MaxNotionalPerTrade float64 `mapstructure:"max_notional_per_trade"`
	MaxTotalExposure    float64 `mapstructure:"max_total_exposure"`
	LiquidationMarginRatio float64 `mapstructure:"liquidation_margin_ratio"`
}

// RedisConfig configures the durable snapshot KV store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig configures the transactional ledger store.
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxOpenConn int    `mapstructure:"max_open_conn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GATEWAY_API_KEY, GATEWAY_SECRET_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("GATEWAY_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("GATEWAY_SECRET_KEY"); secret != "" {
		cfg.Exchange.SecretKey = secret
	}
	if os.Getenv("GATEWAY_DRY_RUN") == "true" || os.Getenv("GATEWAY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Exchange.RecvWindow == 0 {
		c.Exchange.RecvWindow = 5 * time.Second
	}
	if c.Chase.MaxActive == 0 {
		c.Chase.MaxActive = 500
	}
	if c.Chase.RepriceThrottle == 0 {
		c.Chase.RepriceThrottle = 500 * time.Millisecond
	}
	if c.Chase.SnapshotTTL == 0 {
		c.Chase.SnapshotTTL = 24 * time.Hour
	}
	if c.Momentum.MaxActive == 0 {
		c.Momentum.MaxActive = 50
	}
	if c.Momentum.SnapshotTTL == 0 {
		c.Momentum.SnapshotTTL = 48 * time.Hour
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set GATEWAY_API_KEY)")
	}
	if c.Exchange.SecretKey == "" {
		return fmt.Errorf("exchange.secret_key is required (set GATEWAY_SECRET_KEY)")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Exchange.WSBaseURL == "" {
		return fmt.Errorf("exchange.ws_base_url is required")
	}
	if c.Risk.MaxLeverage <= 0 || c.Risk.MaxLeverage > 125 {
		return fmt.Errorf("risk.max_leverage must be between 1 and 125")
	}
	if c.Risk.MaxNotionalPerTrade <= 0 {
		return fmt.Errorf("risk.max_notional_per_trade must be > 0")
	}
	if c.Risk.MaxTotalExposure <= 0 {
		return fmt.Errorf("risk.max_total_exposure must be > 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one tradable symbol")
	}
	return nil
}
