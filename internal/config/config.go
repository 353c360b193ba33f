// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper. It is
// an explicit value passed into each component constructor; there is no
// ambient global state.
type Config struct {
	Output     OutputConfig     `mapstructure:"output"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Retry      RetryConfig      `mapstructure:"retry"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Harvest    HarvestConfig    `mapstructure:"harvest"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// OutputConfig sets where result artifacts are written.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// CheckpointConfig controls checkpoint persistence.
type CheckpointConfig struct {
	Dir       string `mapstructure:"dir"`
	SaveEvery int    `mapstructure:"save_every"`
}

// RetryConfig governs the retry policy shared by all jobs.
type RetryConfig struct {
	MaxAttempts          int     `mapstructure:"max_attempts"`
	InitialDelayMs       int     `mapstructure:"initial_delay_ms"`
	Multiplier           float64 `mapstructure:"multiplier"`
	MaxDelaySec          int     `mapstructure:"max_delay_seconds"`
	RateLimitFallbackSec int     `mapstructure:"rate_limit_fallback_seconds"`
}

// InitialDelay returns the configured initial backoff as a duration.
func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the configured backoff cap as a duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySec) * time.Second
}

// RateLimitFallback returns the hint-less rate-limit wait as a duration.
func (c RetryConfig) RateLimitFallback() time.Duration {
	return time.Duration(c.RateLimitFallbackSec) * time.Second
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// Timeout returns the per-call timeout as a duration.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HarvestConfig governs intra-job execution.
type HarvestConfig struct {
	// Workers bounds the per-job worker pool.
	Workers int `mapstructure:"workers"`
	// DefaultRPS paces sources without an explicit rate.
	DefaultRPS float64 `mapstructure:"default_rps"`
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SourceConfig describes one harvest source. Endpoints are the logical items
// the job enumerates; each endpoint URL doubles as its item key.
type SourceConfig struct {
	Name      string   `mapstructure:"name"`
	Category  string   `mapstructure:"category"`
	Endpoints []string `mapstructure:"endpoints"`
	RPS       float64  `mapstructure:"rps"`
	Priority  int      `mapstructure:"priority"`
	Enabled   bool     `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output.dir", "data/results")
	v.SetDefault("checkpoint.dir", "data/checkpoints")
	v.SetDefault("checkpoint.save_every", 10)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay_seconds", 60)
	v.SetDefault("retry.rate_limit_fallback_seconds", 300)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "harvester/1.0 (+https://github.com/openharvest/harvester)")
	v.SetDefault("harvest.workers", 4)
	v.SetDefault("harvest.default_rps", 1.0)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("harvest.workers must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Checkpoint.SaveEvery < 0 {
		return fmt.Errorf("checkpoint.save_every must be >= 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
		if src.RPS < 0 {
			return fmt.Errorf("source %q: rps must be >= 0", src.Name)
		}
	}
	return nil
}

// SortedSources returns the enabled sources in priority order (ascending;
// ties keep configuration order).
func (c Config) SortedSources() []SourceConfig {
	sources := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			sources = append(sources, src)
		}
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority < sources[j].Priority
	})
	return sources
}
