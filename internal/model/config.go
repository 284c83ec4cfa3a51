package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig holds the connection parameters for the remote mailbox.
// The secret itself is resolved through the credential collaborator and is
// never written to the config file.
type AccountConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS; false means STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// ConnectTimeoutSec bounds connect and fetch setup; the remote protocol
	// is known to hang silently on misconfiguration.
	ConnectTimeoutSec int `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`

	// CommandTimeoutSec bounds every individual command round trip after the
	// connection is up. A server that completes TLS and then goes mute must
	// still surface as a network failure.
	CommandTimeoutSec int `mapstructure:"command_timeout_sec" yaml:"command_timeout_sec"`
}

// CacheConfig holds local cache settings.
type CacheConfig struct {
	// Path is the SQLite database file. Empty selects the default under the
	// user data directory.
	Path string `mapstructure:"path" yaml:"path"`

	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

// SyncConfig controls backfill and reconciliation behavior.
type SyncConfig struct {
	// BatchSize is the number of envelopes fetched per remote round trip.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// BackfillPages caps initial backfill per folder; 0 means the default.
	// Full-mailbox backfill is opt-in per call, not config.
	BackfillPages int `mapstructure:"backfill_pages" yaml:"backfill_pages"`

	ReconcileIntervalSec int `mapstructure:"reconcile_interval_sec" yaml:"reconcile_interval_sec"`

	// MaxAttempts caps retries for a transiently failing pending operation.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Account AccountConfig `mapstructure:"account" yaml:"account"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultCachePath returns the default SQLite database location.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "cache.db")
	}
	return filepath.Join(home, ".local", "share", "mailsync", "cache.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Account: AccountConfig{
			Port:              "993",
			TLS:               true,
			ConnectTimeoutSec: 30,
			CommandTimeoutSec: 60,
		},
		Cache: CacheConfig{
			PageSize: 50,
		},
		Sync: SyncConfig{
			BatchSize:            200,
			BackfillPages:        5,
			ReconcileIntervalSec: 30,
			MaxAttempts:          5,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("account.port", "993")
	v.SetDefault("account.tls", true)
	v.SetDefault("account.connect_timeout_sec", 30)
	v.SetDefault("account.command_timeout_sec", 60)
	v.SetDefault("cache.page_size", 50)
	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.backfill_pages", 5)
	v.SetDefault("sync.reconcile_interval_sec", 30)
	v.SetDefault("sync.max_attempts", 5)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("account", cfg.Account)
	v.Set("cache", cfg.Cache)
	v.Set("sync", cfg.Sync)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
