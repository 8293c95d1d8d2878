package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-scoped engine configuration. It is loaded once at
// startup (load-or-default) and passed explicitly to component
// constructors; nothing reads global state.
type Config struct {
	// DataDir is the root directory for all persisted engine state.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// DBPath is the SQLite mail store location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// VaultDir holds credential ciphertext blobs, separate from the
	// account records and from any key material.
	VaultDir string `mapstructure:"vault_dir" yaml:"vault_dir"`

	// SyncInterval is the pause between sync cycles per account.
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`

	// NetworkTimeout bounds every network operation (connect, auth,
	// fetch, send, token refresh).
	NetworkTimeout time.Duration `mapstructure:"network_timeout" yaml:"network_timeout"`

	// BackoffBase and BackoffCap shape the retry delay curve.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`

	// MaxAttempts caps retries before an account pauses or an
	// outgoing item goes failed-permanent.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// TokenRefreshMargin refreshes OAuth2 tokens this long before
	// their reported expiry.
	TokenRefreshMargin time.Duration `mapstructure:"token_refresh_margin" yaml:"token_refresh_margin"`

	// DeletionGraceWindow is how long a message absent from the server
	// is kept locally before being expunged.
	DeletionGraceWindow time.Duration `mapstructure:"deletion_grace_window" yaml:"deletion_grace_window"`

	// FetchBatchSize is the number of messages fetched per durable
	// store batch.
	FetchBatchSize int `mapstructure:"fetch_batch_size" yaml:"fetch_batch_size"`

	path string
}

// DefaultConfigPath returns the default configuration file location,
// ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailsync")
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

// Default returns the recommended configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir:             dataDir,
		DBPath:              filepath.Join(dataDir, "mail.db"),
		VaultDir:            filepath.Join(dataDir, "vault"),
		SyncInterval:        2 * time.Minute,
		NetworkTimeout:      30 * time.Second,
		BackoffBase:         1 * time.Second,
		BackoffCap:          5 * time.Minute,
		MaxAttempts:         5,
		TokenRefreshMargin:  5 * time.Minute,
		DeletionGraceWindow: 24 * time.Hour,
		FetchBatchSize:      50,
	}
}

// Load reads configuration from path using viper. A missing file yields
// the defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("vault_dir", def.VaultDir)
	v.SetDefault("sync_interval", def.SyncInterval)
	v.SetDefault("network_timeout", def.NetworkTimeout)
	v.SetDefault("backoff_base", def.BackoffBase)
	v.SetDefault("backoff_cap", def.BackoffCap)
	v.SetDefault("max_attempts", def.MaxAttempts)
	v.SetDefault("token_refresh_margin", def.TokenRefreshMargin)
	v.SetDefault("deletion_grace_window", def.DeletionGraceWindow)
	v.SetDefault("fetch_batch_size", def.FetchBatchSize)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.path = path

	return cfg, nil
}

// Flush writes the current configuration back to its file, creating
// parent directories as needed. Called once on shutdown.
func (c *Config) Flush() error {
	if c.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	v := viper.New()
	v.Set("data_dir", c.DataDir)
	v.Set("db_path", c.DBPath)
	v.Set("vault_dir", c.VaultDir)
	v.Set("sync_interval", c.SyncInterval.String())
	v.Set("network_timeout", c.NetworkTimeout.String())
	v.Set("backoff_base", c.BackoffBase.String())
	v.Set("backoff_cap", c.BackoffCap.String())
	v.Set("max_attempts", c.MaxAttempts)
	v.Set("token_refresh_margin", c.TokenRefreshMargin.String())
	v.Set("deletion_grace_window", c.DeletionGraceWindow.String())
	v.Set("fetch_batch_size", c.FetchBatchSize)

	if err := v.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("writing config %s: %w", c.path, err)
	}

	return nil
}
