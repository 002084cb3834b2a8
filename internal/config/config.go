// Package config loads runtime settings for the sync core.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. AUM_API_BASE_URL.
const EnvPrefix = "AUM"

// FileName is the config file name looked up in the data directory.
const FileName = "aumanager"

// Config holds all runtime settings.
type Config struct {
	API     APIConfig
	Storage StorageConfig
	Sync    SyncConfig
	Auth    AuthConfig
	Network NetworkConfig
	Log     LogConfig
}

// APIConfig configures the REST client.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SyncConfig configures the engine and scheduler.
type SyncConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// AuthConfig configures offline login.
type AuthConfig struct {
	OfflineWindow time.Duration `mapstructure:"offline_window"`
}

// NetworkConfig configures the optional reachability prober.
type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retry_attempts", 3)
	v.SetDefault("api.retry_base_delay", time.Second)
	v.SetDefault("api.retry_max_delay", 10*time.Second)
	v.SetDefault("storage.data_dir", defaultDataDir())
	v.SetDefault("sync.settle_delay", 2*time.Second)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("auth.offline_window", 24*time.Hour)
	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "aumanager")
	}
	return ".aumanager"
}

// Default returns the built-in settings without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Loader reads settings from file and environment and can watch the file.
type Loader struct {
	v  *viper.Viper
	mu sync.RWMutex
	// current is replaced on every successful reload
	current *Config
}

// NewLoader creates a loader. An empty path searches the working directory
// and the default data directory for aumanager.{yaml,toml,json}.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
	}
	return &Loader{v: v}
}

// Load reads the config. A missing file is not an error when no explicit
// path was given.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads settings from data in the given format (json, yaml or toml)
// on top of the defaults. Hosts that embed the core pass their settings
// this way instead of through a file.
func Parse(format string, data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return (&Loader{v: v}).decode()
}

// Current returns the last successfully loaded config.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// ConfigFile returns the file in use, empty when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the file on change and calls onChange with the new config.
// Invalid edits are reported to onError and the previous config is kept.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.RetryAttempts < 1 {
		return fmt.Errorf("api.retry_attempts must be at least 1")
	}
	if c.API.RetryBaseDelay < 0 || c.API.RetryMaxDelay < c.API.RetryBaseDelay {
		return fmt.Errorf("api.retry_max_delay must be >= api.retry_base_delay >= 0")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1")
	}
	if c.Sync.SettleDelay < 0 {
		return fmt.Errorf("sync.settle_delay must not be negative")
	}
	if c.Auth.OfflineWindow <= 0 {
		return fmt.Errorf("auth.offline_window must be positive")
	}
	return nil
}
