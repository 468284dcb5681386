// Package config defines all configuration for the trader bot.
// Config is loaded from a YAML file (default: configs/config.yaml), a
// .env file, and TELEGRAM_BOT_TOKEN/TRADER_* environment overrides.
//
// Per SPEC_FULL.md §6, the brokerage REST base URL and WebSocket URL are
// compile-time constants in the startup code (sandbox endpoints), not
// configuration — see internal/rest.BaseURL and internal/streaming.URL.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	TelegramBotToken string        `mapstructure:"telegram_bot_token"`
	Store            StoreConfig   `mapstructure:"store"`
	Logging          LoggingConfig `mapstructure:"logging"`
	Status           StatusConfig  `mapstructure:"status"`
}

// StoreConfig sets where per-chat state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig selects the slog handler and level.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the read-only status/event WebSocket API.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file (if present) with .env and
// TELEGRAM_BOT_TOKEN/TRADER_* environment overrides layered on top. A
// missing YAML file is not an error: every field has a usable default.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best effort; absence of a .env file is normal in prod

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.data_dir", "./.trader-cache")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8090)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.TelegramBotToken = token
	}

	return &cfg, nil
}

// Validate checks all required fields.
func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("telegram_bot_token is required (set TELEGRAM_BOT_TOKEN)")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}
