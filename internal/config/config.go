// Package config handles configuration management for mcpmux.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the proxy.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Router   RouterConfig   `mapstructure:"router"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Git      GitConfig      `mapstructure:"git"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Status   StatusConfig   `mapstructure:"status"`
	Instance InstanceConfig `mapstructure:"instance"`
}

// BackendConfig describes how backend processes are spawned and pooled.
type BackendConfig struct {
	// Command and Args form the backend invocation; "{root}" in any
	// argument is replaced with the workspace root path.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`

	MaxBackends         int  `mapstructure:"max_backends"`
	IdleTTLSecs         int  `mapstructure:"idle_ttl_seconds"`
	SpawnTimeoutSecs    int  `mapstructure:"spawn_timeout_seconds"`
	RequestTimeoutSecs  int  `mapstructure:"request_timeout_seconds"`
	DrainGraceSecs      int  `mapstructure:"drain_grace_seconds"`
	RespawnCooldownSecs int  `mapstructure:"respawn_cooldown_seconds"`
	SweepIntervalSecs   int  `mapstructure:"sweep_interval_seconds"`
	LowPriority         bool `mapstructure:"low_priority"`

	// PrewarmDefaultRoot spawns the default root's backend during
	// initialize instead of on first request.
	PrewarmDefaultRoot bool `mapstructure:"prewarm_default_root"`
}

// RouterConfig holds root resolution settings.
type RouterConfig struct {
	DefaultRoot  string `mapstructure:"default_root"`
	FallbackRoot string `mapstructure:"fallback_root"`
}

// ThrottleConfig holds event batching settings.
type ThrottleConfig struct {
	DebounceMS int `mapstructure:"debounce_ms"`
}

// WatcherConfig holds file watcher settings.
type WatcherConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	IgnorePatterns []string `mapstructure:"ignore_patterns"`
}

// GitConfig holds the git-tracked-file filter settings.
type GitConfig struct {
	FilterEnabled bool `mapstructure:"filter_enabled"`
	CacheTTLSecs  int  `mapstructure:"cache_ttl_seconds"`
	CacheEntries  int  `mapstructure:"cache_entries"`
}

// LoggingConfig holds logging configuration. Logs always go to stderr or a
// file, never stdout, which belongs to the protocol.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StatusConfig holds the optional local status/metrics HTTP endpoint.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// InstanceConfig holds single-instance locking settings.
type InstanceConfig struct {
	SingleInstance bool   `mapstructure:"single_instance"`
	LockFile       string `mapstructure:"lock_file"`
}

// Load loads configuration from files and environment.
// Priority: environment > config file > defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mcpmux")
		v.AddConfigPath("/etc/mcpmux")
	}

	v.SetEnvPrefix("MCPMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Duration accessors for the integer second fields.

func (c *BackendConfig) IdleTTL() time.Duration         { return secs(c.IdleTTLSecs) }
func (c *BackendConfig) SpawnTimeout() time.Duration    { return secs(c.SpawnTimeoutSecs) }
func (c *BackendConfig) RequestTimeout() time.Duration  { return secs(c.RequestTimeoutSecs) }
func (c *BackendConfig) DrainGrace() time.Duration      { return secs(c.DrainGraceSecs) }
func (c *BackendConfig) RespawnCooldown() time.Duration { return secs(c.RespawnCooldownSecs) }
func (c *BackendConfig) SweepInterval() time.Duration   { return secs(c.SweepIntervalSecs) }

func (c *ThrottleConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c *GitConfig) CacheTTL() time.Duration { return secs(c.CacheTTLSecs) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
