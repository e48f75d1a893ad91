// Package config provides configuration structures for the sandbox engine
// server.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the server configuration.
type Config struct {
	// Server settings
	Address         string        `mapstructure:"address" yaml:"address" json:"address"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Shared SQL Server endpoint
	SQLServer SQLServerConfig `mapstructure:"sql_server" yaml:"sql_server" json:"sql_server"`

	// Sandbox lifecycle
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox" json:"sandbox"`

	// Query execution
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution" json:"execution"`

	// Result cache
	Cache CacheConfig `mapstructure:"cache" yaml:"cache" json:"cache"`

	// Session tracking and auth
	Session SessionConfig `mapstructure:"session" yaml:"session" json:"session"`

	// Registry persistence
	RegistryPath string `mapstructure:"registry_path" yaml:"registry_path" json:"registry_path"`

	// Metrics exposure
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Per-client HTTP rate limiting
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// SQLServerConfig describes the privileged admin endpoint.
type SQLServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host" json:"host"`
	Port           int           `mapstructure:"port" yaml:"port" json:"port"`
	User           string        `mapstructure:"user" yaml:"user" json:"user"`
	Password       string        `mapstructure:"password" yaml:"password" json:"-"`
	Database       string        `mapstructure:"database" yaml:"database" json:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	MaxOpenConns   int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
}

// SandboxConfig tunes the lifecycle manager.
type SandboxConfig struct {
	DefaultTTL       time.Duration `mapstructure:"default_ttl" yaml:"default_ttl" json:"default_ttl"`
	MaxLifetime      time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime" json:"max_lifetime"`
	MaxSandboxes     int           `mapstructure:"max_sandboxes" yaml:"max_sandboxes" json:"max_sandboxes"`
	DataMaxBytes     int64         `mapstructure:"data_max_bytes" yaml:"data_max_bytes" json:"data_max_bytes"`
	LogMaxBytes      int64         `mapstructure:"log_max_bytes" yaml:"log_max_bytes" json:"log_max_bytes"`
	SweepSchedule    string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule" json:"sweep_schedule"`
	SweepParallelism int           `mapstructure:"sweep_parallelism" yaml:"sweep_parallelism" json:"sweep_parallelism"`
}

// ExecutionConfig tunes the execution router.
type ExecutionConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout" json:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout" yaml:"max_timeout" json:"max_timeout"`
	MaxRows        int           `mapstructure:"max_rows" yaml:"max_rows" json:"max_rows"`
	MaxWorkers     int           `mapstructure:"max_workers" yaml:"max_workers" json:"max_workers"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Capacity int           `mapstructure:"capacity" yaml:"capacity" json:"capacity"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}

// SessionConfig tunes session tracking and token verification.
type SessionConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret" yaml:"jwt_secret" json:"-"`
	MaxConcurrent int    `mapstructure:"max_concurrent" yaml:"max_concurrent" json:"max_concurrent"`
	HistorySize   int    `mapstructure:"history_size" yaml:"history_size" json:"history_size"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

// RateLimitConfig represents per-client rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst" json:"burst"`
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.SQLServer.Host == "" {
		return fmt.Errorf("sql_server.host is required")
	}
	if c.SQLServer.User == "" {
		return fmt.Errorf("sql_server.user is required")
	}
	if c.Session.JWTSecret == "" {
		return fmt.Errorf("session.jwt_secret is required")
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.SQLServer.Port <= 0 {
		c.SQLServer.Port = 1433
	}
	if c.SQLServer.Database == "" {
		c.SQLServer.Database = "master"
	}
	if c.SQLServer.ConnectTimeout <= 0 {
		c.SQLServer.ConnectTimeout = 30 * time.Second
	}
	if c.SQLServer.MaxOpenConns <= 0 {
		c.SQLServer.MaxOpenConns = 10
	}
	if c.SQLServer.MaxIdleConns <= 0 {
		c.SQLServer.MaxIdleConns = 2
	}

	if c.Sandbox.DefaultTTL <= 0 {
		c.Sandbox.DefaultTTL = 4 * time.Hour
	}
	if c.Sandbox.MaxLifetime <= 0 {
		c.Sandbox.MaxLifetime = 24 * time.Hour
	}
	if c.Sandbox.MaxSandboxes <= 0 {
		c.Sandbox.MaxSandboxes = 20
	}
	if c.Sandbox.DataMaxBytes <= 0 {
		c.Sandbox.DataMaxBytes = 100 << 20
	}
	if c.Sandbox.LogMaxBytes <= 0 {
		c.Sandbox.LogMaxBytes = 50 << 20
	}
	if c.Sandbox.SweepSchedule == "" {
		c.Sandbox.SweepSchedule = "@every 1m"
	}
	if c.Sandbox.SweepParallelism <= 0 {
		c.Sandbox.SweepParallelism = 4
	}

	if c.Execution.DefaultTimeout <= 0 {
		c.Execution.DefaultTimeout = 30 * time.Second
	}
	if c.Execution.MaxTimeout <= 0 {
		c.Execution.MaxTimeout = 30 * time.Second
	}
	if c.Execution.MaxRows <= 0 {
		c.Execution.MaxRows = 10000
	}
	if c.Execution.MaxWorkers <= 0 {
		c.Execution.MaxWorkers = 10
	}

	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 100
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 5 * time.Minute
	}

	if c.Session.MaxConcurrent <= 0 {
		c.Session.MaxConcurrent = 3
	}
	if c.Session.HistorySize <= 0 {
		c.Session.HistorySize = 100
	}

	if c.RegistryPath == "" {
		c.RegistryPath = "corral.db"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}

	return nil
}

// Load builds the configuration from viper's merged sources (flags, env,
// optional config file) and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:         "0.0.0.0:8080",
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		SQLServer: SQLServerConfig{
			Port:           1433,
			Database:       "master",
			ConnectTimeout: 30 * time.Second,
			MaxOpenConns:   10,
			MaxIdleConns:   2,
		},
		Sandbox: SandboxConfig{
			DefaultTTL:       4 * time.Hour,
			MaxLifetime:      24 * time.Hour,
			MaxSandboxes:     20,
			DataMaxBytes:     100 << 20,
			LogMaxBytes:      50 << 20,
			SweepSchedule:    "@every 1m",
			SweepParallelism: 4,
		},
		Execution: ExecutionConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     30 * time.Second,
			MaxRows:        10000,
			MaxWorkers:     10,
		},
		Cache: CacheConfig{
			Enabled:  true,
			Capacity: 100,
			TTL:      5 * time.Minute,
		},
		Session: SessionConfig{
			MaxConcurrent: 3,
			HistorySize:   100,
		},
		RegistryPath: "corral.db",
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}
