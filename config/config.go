package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config is the read-only configuration snapshot handed to the engine and
// the HTTP layer at startup.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Downloads DownloadsConfig `toml:"downloads"`
	Retry     RetryConfig     `toml:"retry"`
	Formats   FormatsConfig   `toml:"formats"`
	Transcode TranscodeConfig `toml:"transcode"`
	Store     StoreConfig     `toml:"store"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DownloadsConfig controls the task lifecycle engine.
type DownloadsConfig struct {
	Dir                 string `toml:"dir"`
	Concurrency         int    `toml:"concurrency"`
	PublishIntervalMS   int    `toml:"publish_interval_ms"`
	PhaseTimeoutMinutes int    `toml:"phase_timeout_minutes"`
	KeepPartial         bool   `toml:"keep_partial"`
	CookieFile          string `toml:"cookie_file"`
}

// RetryConfig bounds automatic retries for transient download failures.
type RetryConfig struct {
	MaxAttempts        int `toml:"max_attempts"`
	BackoffBaseSeconds int `toml:"backoff_base_seconds"`
	BackoffCapSeconds  int `toml:"backoff_cap_seconds"`
}

// FormatsConfig drives default format selection.
type FormatsConfig struct {
	PreferredExt string `toml:"preferred_ext"`
}

// TranscodeConfig is the post-processing policy. Codecs lists the source
// video codecs that trigger a transcode; Required decides whether a failed
// transcode fails the task or falls back to the untranscoded file.
type TranscodeConfig struct {
	Enabled      bool     `toml:"enabled"`
	Required     bool     `toml:"required"`
	Codecs       []string `toml:"codecs"`
	Profile      string   `toml:"profile"`
	OutputFormat string   `toml:"output_format"`
}

// StoreConfig contains task store settings.
type StoreConfig struct {
	Path string `toml:"path"`
}

// PublishInterval returns the minimum delay between broadcast progress
// updates for a single task.
func (c DownloadsConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalMS) * time.Millisecond
}

// PhaseTimeout returns the per-phase watchdog timeout.
func (c DownloadsConfig) PhaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutMinutes) * time.Minute
}

// BackoffBase returns the exponential backoff base delay.
func (c RetryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the upper bound on a single backoff delay.
func (c RetryConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// ShouldTranscode reports whether the policy requires transcoding a file with
// the given video codec.
func (c TranscodeConfig) ShouldTranscode(codec string) bool {
	if !c.Enabled {
		return false
	}
	if len(c.Codecs) == 0 {
		return true
	}
	for _, want := range c.Codecs {
		if codec == want {
			return true
		}
	}
	return false
}

// Default returns a Config populated from the embedded example file.
func Default() *Config {
	var cfg Config
	if err := toml.Unmarshal(exampleConf, &cfg); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &cfg
}

// Load reads a TOML configuration file, layered over the defaults. A missing
// file is not an error; environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv layers environment overrides for deployment without a config file
func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if dir := os.Getenv("DOWNLOAD_LOCATION"); dir != "" {
		cfg.Downloads.Dir = dir
	}
	if path := os.Getenv("TUBEDROP_DB"); path != "" {
		cfg.Store.Path = path
	}
}
