// Package config loads engine settings from file, environment, and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration. One struct serves both the
// API server and the worker so a single file can drive both roles.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Worker WorkerConfig `mapstructure:"worker"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type WorkerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	WatchdogTick  time.Duration `mapstructure:"watchdog_tick"`
	CacheDir      string        `mapstructure:"cache_dir"`
	OutputDir     string        `mapstructure:"output_dir"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path"`
	MinFreeBytes  uint64        `mapstructure:"min_free_bytes"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads configuration from cfgFile (or ./renderq.yaml and
// /etc/renderq/renderq.yaml when empty), overlaid by RENDERQ_*
// environment variables, overlaid on defaults. A missing config file
// is not an error; a malformed one is.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("store.path", "renderq.db")
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.job_timeout", 15*time.Minute)
	v.SetDefault("worker.watchdog_tick", 5*time.Second)
	v.SetDefault("worker.cache_dir", "cache")
	v.SetDefault("worker.output_dir", "output")
	v.SetDefault("worker.ffmpeg_path", "ffmpeg")
	v.SetDefault("worker.min_free_bytes", uint64(1<<30))
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.json", false)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("renderq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/renderq")
	}

	v.SetEnvPrefix("RENDERQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be positive")
	}
	if c.Worker.WatchdogTick <= 0 {
		return fmt.Errorf("worker.watchdog_tick must be positive")
	}
	if c.Worker.FFmpegPath == "" {
		return fmt.Errorf("worker.ffmpeg_path must not be empty")
	}
	return nil
}
