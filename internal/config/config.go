package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matheus3301/offsync/internal/retry"
)

// Retry holds the backoff tunables, durations in milliseconds.
type Retry struct {
	MaxRetries     int     `toml:"max_retries"`
	InitialDelayMS int     `toml:"initial_delay_ms"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
	BackoffFactor  float64 `toml:"backoff_factor"`
}

// Config represents the global ~/.offsync/config.toml.
type Config struct {
	DefaultSession    string `toml:"default_session"`
	ServerURL         string `toml:"server_url"`
	MaxQueueSize      int    `toml:"max_queue_size"`
	MaxCachedMessages int    `toml:"max_cached_messages"`
	// StorageQuotaBytes soft-caps the kv store; 0 means unlimited.
	StorageQuotaBytes int   `toml:"storage_quota_bytes"`
	Retry             Retry `toml:"retry"`
}

// Default returns the config used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession:    "main",
		ServerURL:         "ws://localhost:8080/ws",
		MaxQueueSize:      50,
		MaxCachedMessages: 100,
		StorageQuotaBytes: 0,
		Retry: Retry{
			MaxRetries:     3,
			InitialDelayMS: 1000,
			MaxDelayMS:     30000,
			BackoffFactor:  2,
		},
	}
}

// RetryPolicy converts the file representation into the engine's policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:    c.Retry.MaxRetries,
		InitialDelay:  time.Duration(c.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		BackoffFactor: c.Retry.BackoffFactor,
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing; callers fall back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
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
