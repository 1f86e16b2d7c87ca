package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/docpipe/docpipe/pkg/models"
	"github.com/docpipe/docpipe/pkg/resources"
	"github.com/docpipe/docpipe/pkg/scheduler"
	"github.com/docpipe/docpipe/pkg/store"
	"github.com/docpipe/docpipe/pkg/taskqueue"
	"github.com/docpipe/docpipe/pkg/tracing"
)

// Config holds all server configuration. Values come from an optional
// YAML file, overridden by DOCPIPE_* environment variables.
type Config struct {
	HTTPAddr     string `mapstructure:"http_addr"`
	DatabasePath string `mapstructure:"database_path"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Workers struct {
		Enabled   bool `mapstructure:"enabled"`
		OCR       int  `mapstructure:"ocr"`
		LLM       int  `mapstructure:"llm"`
		BatchSize int  `mapstructure:"batch_size"`
	} `mapstructure:"workers"`

	Limits struct {
		MaxMemoryMB       float64 `mapstructure:"max_memory_mb"`
		MaxMemoryPercent  float64 `mapstructure:"max_memory_percent"`
		JobTimeoutSeconds int     `mapstructure:"job_timeout_seconds"`
	} `mapstructure:"limits"`

	Intervals struct {
		PollSeconds        int `mapstructure:"poll_seconds"`
		MaintenanceSeconds int `mapstructure:"maintenance_seconds"`
		ReclaimGraceSec    int `mapstructure:"reclaim_grace_seconds"`
		StuckTaskSec       int `mapstructure:"stuck_task_seconds"`
	} `mapstructure:"intervals"`

	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		Environment  string `mapstructure:"environment"`
	} `mapstructure:"tracing"`

	Retry struct {
		MaxRetries            int     `mapstructure:"max_retries"`
		InitialBackoffSeconds int     `mapstructure:"initial_backoff_seconds"`
		MaxBackoffSeconds     int     `mapstructure:"max_backoff_seconds"`
		BackoffMultiplier     float64 `mapstructure:"backoff_multiplier"`
	} `mapstructure:"retry"`
}

// Load reads configuration from the given file (optional) and the
// environment. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_path", "docpipe.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("workers.enabled", true)
	v.SetDefault("workers.ocr", 2)
	v.SetDefault("workers.llm", 2)
	v.SetDefault("workers.batch_size", 25)
	v.SetDefault("limits.max_memory_mb", 2048)
	v.SetDefault("limits.max_memory_percent", 80)
	v.SetDefault("limits.job_timeout_seconds", 600)
	v.SetDefault("intervals.poll_seconds", 2)
	v.SetDefault("intervals.maintenance_seconds", 30)
	v.SetDefault("intervals.reclaim_grace_seconds", 300)
	v.SetDefault("intervals.stuck_task_seconds", 600)
	v.SetDefault("rate_limit.rps", 50)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_backoff_seconds", 5)
	v.SetDefault("retry.max_backoff_seconds", 300)
	v.SetDefault("retry.backoff_multiplier", 2.0)

	v.SetEnvPrefix("DOCPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("docpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/docpipe")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks for values that would misbehave at runtime
func (c *Config) Validate() error {
	if c.Workers.OCR < 0 || c.Workers.LLM < 0 {
		return fmt.Errorf("config: worker counts must not be negative")
	}
	if c.Workers.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be at least 1")
	}
	if c.Limits.MaxMemoryMB < 0 || c.Limits.MaxMemoryPercent < 0 || c.Limits.MaxMemoryPercent > 100 {
		return fmt.Errorf("config: invalid memory limits")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config: rate limit values must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("config: backoff_multiplier must be at least 1")
	}
	return nil
}

// ResourceLimits converts configured limits for the resource monitor
func (c *Config) ResourceLimits() resources.Limits {
	return resources.Limits{
		MaxMemoryMB:      c.Limits.MaxMemoryMB,
		MaxMemoryPercent: c.Limits.MaxMemoryPercent,
		JobTimeout:       time.Duration(c.Limits.JobTimeoutSeconds) * time.Second,
	}
}

// PoolConfig converts configured intervals and retry policy for the pool
func (c *Config) PoolConfig() *scheduler.PoolConfig {
	return &scheduler.PoolConfig{
		OCRWorkers:          c.Workers.OCR,
		TaskWorkers:         c.Workers.LLM,
		PollInterval:        time.Duration(c.Intervals.PollSeconds) * time.Second,
		MaintenanceInterval: time.Duration(c.Intervals.MaintenanceSeconds) * time.Second,
		ReclaimGrace:        time.Duration(c.Intervals.ReclaimGraceSec) * time.Second,
		StuckTaskThreshold:  time.Duration(c.Intervals.StuckTaskSec) * time.Second,
		CancelPollInterval:  time.Second,
		RetryPolicy: &models.RetryPolicy{
			MaxRetries:        c.Retry.MaxRetries,
			InitialBackoff:    time.Duration(c.Retry.InitialBackoffSeconds) * time.Second,
			MaxBackoff:        time.Duration(c.Retry.MaxBackoffSeconds) * time.Second,
			BackoffMultiplier: c.Retry.BackoffMultiplier,
		},
	}
}

// TracingConfig converts configured tracing settings for the provider
func (c *Config) TracingConfig() tracing.Config {
	return tracing.Config{
		ServiceName:  "docpipe",
		Environment:  c.Tracing.Environment,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		Enabled:      c.Tracing.Enabled,
	}
}

// StoreConfig converts configured database settings for the job store
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Path:       c.DatabasePath,
		ClaimBatch: c.Workers.BatchSize,
	}
}

// RedisConfig converts configured Redis settings for the task queue
func (c *Config) RedisConfig() taskqueue.Config {
	return taskqueue.Config{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}
