// Package util provides common utilities for sybilla.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Remote analytics service. Either a command path (stdio transport)
	// or a host:port address (TCP transport). Required.
	AnalyticsEndpoint string        `mapstructure:"analytics_endpoint"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	QueryLimit        int           `mapstructure:"query_limit"`
	TimeRange         string        `mapstructure:"time_range"`
	Countries         []string      `mapstructure:"countries"`

	// NVIDIA NIM inference. An empty key disables the AI path and the
	// insight engine runs its deterministic fallback only.
	NIMAPIKey  string        `mapstructure:"nim_api_key"`
	NIMBaseURL string        `mapstructure:"nim_base_url"`
	NIMModel   string        `mapstructure:"nim_model"`
	NIMTimeout time.Duration `mapstructure:"nim_timeout"`

	// Archive store. An empty address disables archival entirely.
	ArchiveAddr      string `mapstructure:"archive_addr"`
	ArchiveNamespace string `mapstructure:"archive_namespace"`

	// Scheduler
	IntervalHours int `mapstructure:"interval_hours"`

	// Web control surface
	WebPort int `mapstructure:"web_port"`
}

// ReportDir returns the directory holding per-run artifact sets.
func (c *Config) ReportDir() string {
	return filepath.Join(c.DataDir, "reports")
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".sybilla")

	return &Config{
		DataDir:  dataDir,
		LogLevel: "info",
		LogFile:  filepath.Join(dataDir, "sybilla.log"),

		CallTimeout: 30 * time.Second,
		QueryLimit:  1000,
		TimeRange:   "24h",
		Countries:   []string{"US", "CN", "RU", "DE", "GB", "BR"},

		NIMBaseURL: "https://integrate.api.nvidia.com/v1",
		NIMModel:   "meta/llama-3.1-405b-instruct",
		NIMTimeout: 120 * time.Second,

		ArchiveNamespace: "sybilla",

		IntervalHours: 24,
		WebPort:       9090,
	}
}

// LoadConfig loads configuration from file and environment.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(cfg.DataDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("sybilla")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("data_dir", cfg.DataDir)
	viper.SetDefault("log_level", cfg.LogLevel)
	viper.SetDefault("log_file", cfg.LogFile)
	viper.SetDefault("call_timeout", cfg.CallTimeout)
	viper.SetDefault("query_limit", cfg.QueryLimit)
	viper.SetDefault("time_range", cfg.TimeRange)
	viper.SetDefault("countries", cfg.Countries)
	viper.SetDefault("nim_base_url", cfg.NIMBaseURL)
	viper.SetDefault("nim_model", cfg.NIMModel)
	viper.SetDefault("nim_timeout", cfg.NIMTimeout)
	viper.SetDefault("archive_namespace", cfg.ArchiveNamespace)
	viper.SetDefault("interval_hours", cfg.IntervalHours)
	viper.SetDefault("web_port", cfg.WebPort)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Countries may arrive as a single comma-separated string from the
	// environment.
	if len(cfg.Countries) == 1 && strings.Contains(cfg.Countries[0], ",") {
		parts := strings.Split(cfg.Countries[0], ",")
		cfg.Countries = cfg.Countries[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Countries = append(cfg.Countries, strings.ToUpper(p))
			}
		}
	}

	return cfg, nil
}

// Validate checks that the configuration can support an analysis cycle.
func (c *Config) Validate() error {
	if c.AnalyticsEndpoint == "" {
		return fmt.Errorf("analytics_endpoint is required")
	}
	if c.IntervalHours <= 0 {
		return fmt.Errorf("interval_hours must be positive")
	}
	return nil
}

// EnsureDir ensures a directory exists.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
