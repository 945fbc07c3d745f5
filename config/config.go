// Package config loads the service configuration from file and
// environment. Every key is overridable with a TLON_-prefixed environment
// variable, e.g. TLON_SHIP_URL, TLON_RECONNECT_MAX_ATTEMPTS.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Ship      ShipConfig      `mapstructure:"ship"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Bus       BusConfig       `mapstructure:"bus"`
	Scry      ScryConfig      `mapstructure:"scry"`
	Log       LogConfig       `mapstructure:"log"`

	v *viper.Viper
}

// ShipConfig identifies the ship the client attaches to.
type ShipConfig struct {
	// URL is the ship's HTTP endpoint, e.g. "http://localhost:8080".
	URL string `mapstructure:"url"`
	// Name is the ship identity without the leading sig, e.g. "zod".
	Name string `mapstructure:"name"`
	// Credential is the urbauth session cookie value. Empty runs
	// unauthenticated against a local development ship.
	Credential string `mapstructure:"credential"`
}

// ReconnectConfig tunes the stream recovery loop.
type ReconnectConfig struct {
	Disabled     bool          `mapstructure:"disabled"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// SubscriptionConfig is one static subscription the relay opens at start.
type SubscriptionConfig struct {
	Ship string `mapstructure:"ship"`
	App  string `mapstructure:"app"`
	Path string `mapstructure:"path"`
}

// RelayConfig drives the ship-to-bus relay.
type RelayConfig struct {
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
	// DedupSize bounds the seen-event set used to drop replays after
	// reconnects.
	DedupSize int `mapstructure:"dedup_size"`
}

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	// Buffer is the per-subscriber output channel capacity. A slow
	// consumer blocks the relay once its buffer fills.
	Buffer int `mapstructure:"buffer"`
}

// ScryConfig tunes the cached scry query service.
type ScryConfig struct {
	CacheSize       int           `mapstructure:"cache_size"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// File enables rotated file output when non-empty; default is stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ship.url", "http://localhost:8080")
	v.SetDefault("ship.name", "zod")
	v.SetDefault("ship.credential", "")

	v.SetDefault("reconnect.disabled", false)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("reconnect.initial_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 30*time.Second)

	v.SetDefault("relay.dedup_size", 4096)

	v.SetDefault("bus.buffer", 256)

	v.SetDefault("scry.cache_size", 512)
	v.SetDefault("scry.cache_ttl", 30*time.Second)
	v.SetDefault("scry.breaker_failures", 5)
	v.SetDefault("scry.breaker_cooldown", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
}

// LoadConfig reads configuration from path when given, otherwise from
// tlon.yaml in the working directory if one exists. Environment variables
// override file values in both cases.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TLON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tlon")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	return cfg, nil
}

// Watch re-reads the file on change and hands the fresh snapshot to
// onChange. Only file-backed settings participate; a snapshot that fails
// to parse is logged and skipped, keeping the last good one in force.
func (c *Config) Watch(logger *slog.Logger, onChange func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		fresh := &Config{v: c.v}
		if err := c.v.Unmarshal(fresh); err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("configuration reloaded", "file", e.Name, "op", e.Op.String())
		onChange(fresh)
	})
	c.v.WatchConfig()
}
