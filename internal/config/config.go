package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the engine configuration, read from
// <data-dir>/msgsync.toml.
type Config struct {
	DataDir      string `toml:"data_dir"`
	TransportURL string `toml:"transport_url"`
	LocalUserID  string `toml:"local_user_id"`
	MetricsAddr  string `toml:"metrics_addr"`

	Retry RetryConfig `toml:"retry"`
	Cache CacheConfig `toml:"cache"`
}

// RetryConfig holds the shared backoff policy for the outbound queue
// and the transport reconnect loop.
type RetryConfig struct {
	BaseDelay      duration `toml:"base_delay"`
	MaxDelay       duration `toml:"max_delay"`
	MaxAttempts    int      `toml:"max_attempts"`
	InterSendDelay duration `toml:"inter_send_delay"`
}

// CacheConfig bounds local storage.
type CacheConfig struct {
	MaxMessagesPerChat int   `toml:"max_messages_per_chat"`
	MediaMaxBytes      int64 `toml:"media_max_bytes"`
}

// duration wraps time.Duration for TOML string values like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		MetricsAddr: "127.0.0.1:9477",
		Retry: RetryConfig{
			BaseDelay:      duration{2 * time.Second},
			MaxDelay:       duration{2 * time.Minute},
			MaxAttempts:    5,
			InterSendDelay: duration{100 * time.Millisecond},
		},
		Cache: CacheConfig{
			MaxMessagesPerChat: 500,
			MediaMaxBytes:      256 << 20,
		},
	}
}

// Load reads config from the given path, applying defaults for unset
// fields. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Retry.BaseDelay.Duration <= 0 {
		return fmt.Errorf("config: retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		return fmt.Errorf("config: retry.max_delay must be >= retry.base_delay")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be >= 1")
	}
	if c.Cache.MaxMessagesPerChat < 1 {
		return fmt.Errorf("config: cache.max_messages_per_chat must be >= 1")
	}
	if c.Cache.MediaMaxBytes < 1 {
		return fmt.Errorf("config: cache.media_max_bytes must be >= 1")
	}
	return nil
}
