// Package config loads service configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	HTTPPort  int `mapstructure:"http_port"`
	AdminPort int `mapstructure:"admin_port"`

	RedisURL string `mapstructure:"redis_url"`

	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	RetentionDays      int `mapstructure:"retention_days"`

	TailBlock       time.Duration `mapstructure:"tail_block"`
	ReplayBatchSize int           `mapstructure:"replay_batch_size"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads config from path (optional, empty means env/defaults only) with
// FIELDNOTE_* environment overrides, e.g. FIELDNOTE_REDIS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", 8000)
	v.SetDefault("admin_port", 8081)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("max_concurrent_tasks", 10)
	v.SetDefault("retention_days", 7)
	v.SetDefault("tail_block", time.Second)
	v.SetDefault("replay_batch_size", 100)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("FIELDNOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	}
	if c.AdminPort <= 0 || c.AdminPort > 65535 {
		return fmt.Errorf("admin_port out of range: %d", c.AdminPort)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive: %d", c.MaxConcurrentTasks)
	}
	if c.ReplayBatchSize <= 0 {
		return fmt.Errorf("replay_batch_size must be positive: %d", c.ReplayBatchSize)
	}
	return nil
}
