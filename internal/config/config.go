package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Remote RemoteConfig
	Cache  CacheConfig
	Sync   SyncConfig
}

// RemoteConfig holds sync endpoint settings.
type RemoteConfig struct {
	URL            string
	TokenEnv       string `mapstructure:"token_env"`
	Token          string
	FetchTimeoutMS int `mapstructure:"fetch_timeout_ms"`
}

// CacheConfig holds local store settings.
type CacheConfig struct {
	Path         string
	FallbackPath string `mapstructure:"fallback_path"`
	Namespace    string
	TTLHours     int `mapstructure:"ttl_hours"`
}

// SyncConfig holds retry and cross-tab settings.
type SyncConfig struct {
	BackoffBaseMS  int    `mapstructure:"backoff_base_ms"`
	RetryCap       int    `mapstructure:"retry_cap"`
	ProbeIntervalS int    `mapstructure:"probe_interval_s"`
	BroadcastFile  string `mapstructure:"broadcast_file"`
}

// FetchTimeout returns the fetch race window.
func (r RemoteConfig) FetchTimeout() time.Duration {
	return time.Duration(r.FetchTimeoutMS) * time.Millisecond
}

// APIToken resolves the remote token: explicit value first, then the named
// environment variable. Empty means anonymous fetch-only access.
func (r RemoteConfig) APIToken() string {
	if r.Token != "" {
		return r.Token
	}
	if r.TokenEnv != "" {
		return os.Getenv(r.TokenEnv)
	}
	return ""
}

// TTL returns the cache freshness window.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// BackoffBase returns the first retry delay.
func (s SyncConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMS) * time.Millisecond
}

// ProbeInterval returns the recovery ping cadence.
func (s SyncConfig) ProbeInterval() time.Duration {
	return time.Duration(s.ProbeIntervalS) * time.Second
}

// Load reads configuration from file and env. Env var overrides use prefix THEMESYNC_.
func Load() (Config, error) {
	v := viper.New()

	dataDir := filepath.Join(os.Getenv("HOME"), ".local", "share", "themesync")

	// default values
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token_env", "THEMESYNC_TOKEN")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.fetch_timeout_ms", 2000)
	v.SetDefault("cache.path", filepath.Join(dataDir, "themesync.db"))
	v.SetDefault("cache.fallback_path", filepath.Join(dataDir, "themesync.json"))
	v.SetDefault("cache.namespace", "themesync")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("sync.backoff_base_ms", 1000)
	v.SetDefault("sync.retry_cap", 3)
	v.SetDefault("sync.probe_interval_s", 30)
	v.SetDefault("sync.broadcast_file", filepath.Join(dataDir, "broadcast.json"))

	v.SetConfigType("toml")

	cfgPath := os.Getenv("THEMESYNC_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "themesync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("THEMESYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Save writes the provided config to disk, creating the config directory if needed.
// The token is stored in plain text when set; encourage users to prefer env vars.
func Save(cfg Config) error {
	path := os.Getenv("THEMESYNC_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "themesync", "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("remote.url", cfg.Remote.URL)
	v.Set("remote.token_env", cfg.Remote.TokenEnv)
	v.Set("remote.token", cfg.Remote.Token)
	v.Set("remote.fetch_timeout_ms", cfg.Remote.FetchTimeoutMS)
	v.Set("cache.path", cfg.Cache.Path)
	v.Set("cache.fallback_path", cfg.Cache.FallbackPath)
	v.Set("cache.namespace", cfg.Cache.Namespace)
	v.Set("cache.ttl_hours", cfg.Cache.TTLHours)
	v.Set("sync.backoff_base_ms", cfg.Sync.BackoffBaseMS)
	v.Set("sync.retry_cap", cfg.Sync.RetryCap)
	v.Set("sync.probe_interval_s", cfg.Sync.ProbeIntervalS)
	v.Set("sync.broadcast_file", cfg.Sync.BroadcastFile)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
