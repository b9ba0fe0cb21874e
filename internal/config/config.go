// Package config loads the tradeforge YAML configuration and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"tradeforge/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradeforge daemon.
type Config struct {
	Server   Server         `yaml:"server"`
	Storage  Storage        `yaml:"storage"`
	Binance  Binance        `yaml:"binance"`
	Telegram Telegram       `yaml:"telegram"`
	Logging  Logging        `yaml:"logging"`
	Trading  TradingConfig  `yaml:"trading"`
	Backfill BackfillConfig `yaml:"backfill"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Binance holds credentials and environment selection for the venue
// API. Environment must be one of the closed set in domain.
type Binance struct {
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	Environment string `yaml:"environment"`
}

// Telegram configures the notification sink. Leaving the token empty
// disables notifications.
type Telegram struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines execution parameters shared by backtests and
// live runs.
type TradingConfig struct {
	FeeRate            float64 `yaml:"fee_rate"`
	InitialBalance     float64 `yaml:"initial_balance"`
	AllocationFraction float64 `yaml:"allocation_fraction"`
	QuoteAsset         string  `yaml:"quote_asset"`
}

// BackfillConfig controls the scheduled candle archive sync.
type BackfillConfig struct {
	Cron            string        `yaml:"cron"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	Jobs            []BackfillJob `yaml:"jobs"`
}

// BackfillJob names one (symbol, interval) series to keep contiguous.
type BackfillJob struct {
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it
// into a Config struct, applies environment variable overrides, and
// fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and
// overrides the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Binance.APISecret = v
	}
	if v := os.Getenv("BINANCE_ENVIRONMENT"); v != "" {
		cfg.Binance.Environment = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("FEE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.FeeRate = f
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/tradeforge.db"
	}
	if cfg.Binance.Environment == "" {
		cfg.Binance.Environment = string(domain.EnvSpotTestnet)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Trading.FeeRate == 0 {
		cfg.Trading.FeeRate = 0.001
	}
	if cfg.Trading.InitialBalance == 0 {
		cfg.Trading.InitialBalance = 10000
	}
	if cfg.Trading.AllocationFraction == 0 {
		cfg.Trading.AllocationFraction = 1.0
	}
	if cfg.Trading.QuoteAsset == "" {
		cfg.Trading.QuoteAsset = "USDT"
	}
	if cfg.Backfill.Cron == "" {
		cfg.Backfill.Cron = "0 */15 * * * *"
	}
	if cfg.Backfill.RateLimitPerMin == 0 {
		cfg.Backfill.RateLimitPerMin = 1100
	}
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if _, err := domain.ParseEnvironment(c.Binance.Environment); err != nil {
		return fmt.Errorf("binance.environment: %w", err)
	}
	if c.Trading.FeeRate < 0 || c.Trading.FeeRate >= 1 {
		return fmt.Errorf("trading.fee_rate %v out of range [0,1)", c.Trading.FeeRate)
	}
	if c.Trading.AllocationFraction <= 0 || c.Trading.AllocationFraction > 1 {
		return fmt.Errorf("trading.allocation_fraction %v out of range (0,1]", c.Trading.AllocationFraction)
	}
	for _, j := range c.Backfill.Jobs {
		if j.Symbol == "" {
			return fmt.Errorf("backfill job with empty symbol")
		}
		if !domain.Interval(j.Interval).Valid() {
			return fmt.Errorf("backfill job %s: unsupported interval %q", j.Symbol, j.Interval)
		}
	}
	return nil
}

// Environment returns the parsed venue environment. Call Validate
// first; this panics on an invalid value.
func (c *Config) Environment() domain.Environment {
	env, err := domain.ParseEnvironment(c.Binance.Environment)
	if err != nil {
		panic(err)
	}
	return env
}
