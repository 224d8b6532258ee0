// Package config loads toolagent settings from defaults, an optional config
// file, and TOOLAGENT_* environment variables, in increasing precedence.
// A .env file in the working directory is auto-loaded if present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"toolagent/logger"
)

// Config holds the runtime settings for an agent process.
type Config struct {
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheDir        string        `mapstructure:"cache_dir"`
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	MaxHistory      int           `mapstructure:"max_history"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	LogOutput       string        `mapstructure:"log_output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RateLimitMax:    10,
		RateLimitWindow: 60 * time.Second,
		CacheTTL:        5 * time.Minute,
		ToolTimeout:     5 * time.Minute,
		MaxHistory:      200,
		LogLevel:        "info",
		LogFormat:       "text",
		LogOutput:       "stderr",
	}
}

// Load reads configuration from the given file (optional), the environment,
// and a .env file if one exists next to the process.
func Load(path string) (*Config, error) {
	// Auto-load .env file if present (similar to Python dotenv)
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	v := viper.New()
	defaults := Default()
	v.SetDefault("rate_limit_max", defaults.RateLimitMax)
	v.SetDefault("rate_limit_window", defaults.RateLimitWindow)
	v.SetDefault("cache_ttl", defaults.CacheTTL)
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("tool_timeout", defaults.ToolTimeout)
	v.SetDefault("max_history", defaults.MaxHistory)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("log_output", defaults.LogOutput)

	v.SetEnvPrefix("TOOLAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the lifecycle manager cannot run with.
func (c *Config) Validate() error {
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("rate_limit_max must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate_limit_window must be positive, got %s", c.RateLimitWindow)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %s", c.CacheTTL)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// LoggerConfig converts the logging settings into the logger package's form.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		Output: c.LogOutput,
	}
}
