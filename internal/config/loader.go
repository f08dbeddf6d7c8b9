package config

import (
	"fmt"
	"os"
	"time"

	"testgen_pipeline/pkg"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// LogConfig controls the global zerolog logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	TimeFormat string `yaml:"time_format"`
}

// RedisConfig holds connection settings for the durable store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CacheConfig holds tier TTLs and L1 housekeeping knobs.
type CacheConfig struct {
	L1TTLSeconds         int `yaml:"l1_ttl_seconds"`
	L2TTLSeconds         int `yaml:"l2_ttl_seconds"`
	L3TTLSeconds         int `yaml:"l3_ttl_seconds"`
	L1SeedMaxBytes       int `yaml:"l1_seed_max_bytes"`
	L1MaxEntries         int `yaml:"l1_max_entries"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// RetryConfig bounds the optimize/evaluate feedback loop.
type RetryConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	QualityThreshold float64 `yaml:"quality_threshold"`
	DelaySeconds     float64 `yaml:"delay_seconds"`
	Backoff          float64 `yaml:"backoff"`
}

// InvokerConfig controls task-local retries and timeouts.
type InvokerConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	BackoffSeconds     float64 `yaml:"backoff_seconds"`
	NodeTimeoutSeconds int     `yaml:"node_timeout_seconds"`
}

// NodeConfig carries per-node overrides, resolved once per session start
// and never mutated during a run.
type NodeConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	CacheTier      string `yaml:"cache_tier"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Config is the full configuration loaded from config.yaml with
// environment overrides applied.
type Config struct {
	Log               LogConfig             `yaml:"log"`
	Redis             RedisConfig           `yaml:"redis"`
	Cache             CacheConfig           `yaml:"cache"`
	Retry             RetryConfig           `yaml:"retry"`
	Invoker           InvokerConfig         `yaml:"invoker"`
	SessionTTLSeconds int                   `yaml:"session_ttl_seconds"`
	Nodes             map[string]NodeConfig `yaml:"nodes"`
}

// envOverrides holds the environment variables that may override file
// configuration.
type envOverrides struct {
	RedisURL   string  `envconfig:"REDIS_URL"`
	LogLevel   string  `envconfig:"LOG_LEVEL"`
	SessionTTL int     `envconfig:"SESSION_TTL_SECONDS"`
	MaxRetries int     `envconfig:"MAX_RETRIES" default:"-1"`
	QualityThr float64 `envconfig:"QUALITY_THRESHOLD" default:"-1"`
}

// Default returns the built-in configuration. Values mirror the retry
// controller and cache tier defaults of the original pipeline.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console", Output: "stdout", TimeFormat: "rfc3339"},
		Cache: CacheConfig{
			L1TTLSeconds:         300,
			L2TTLSeconds:         3600,
			L3TTLSeconds:         86400,
			L1SeedMaxBytes:       64 * 1024,
			L1MaxEntries:         100,
			SweepIntervalSeconds: 60,
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			QualityThreshold: 0.7,
			DelaySeconds:     1,
			Backoff:          1.5,
		},
		Invoker: InvokerConfig{
			MaxAttempts:        3,
			BackoffSeconds:     1,
			NodeTimeoutSeconds: 120,
		},
		SessionTTLSeconds: 86400,
		Nodes:             map[string]NodeConfig{},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults for anything unset, then applies environment overrides.
func LoadConfig(filepath string) (*Config, error) {
	config := Default()

	if filepath != "" {
		data, err := os.ReadFile(filepath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %v", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing YAML: %v", err)
		}
	}

	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %v", err)
	}
	if env.RedisURL != "" {
		config.Redis.URL = env.RedisURL
	}
	if env.LogLevel != "" {
		config.Log.Level = env.LogLevel
	}
	if env.SessionTTL > 0 {
		config.SessionTTLSeconds = env.SessionTTL
	}
	if env.MaxRetries >= 0 {
		config.Retry.MaxRetries = env.MaxRetries
	}
	if env.QualityThr >= 0 {
		config.Retry.QualityThreshold = env.QualityThr
	}

	return config, nil
}

// SessionTTL returns the session expiry window as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// NodeTimeout returns the invocation timeout for a node, falling back to
// the invoker-wide default when the node has no override.
func (c *Config) NodeTimeout(node string) time.Duration {
	if nc, ok := c.Nodes[node]; ok && nc.TimeoutSeconds > 0 {
		return time.Duration(nc.TimeoutSeconds) * time.Second
	}
	return time.Duration(c.Invoker.NodeTimeoutSeconds) * time.Second
}

// NodeCacheTier returns the configured tier override for a node, or the
// node's declared tier when unset.
func (c *Config) NodeCacheTier(node string, declared pkg.CacheTier) pkg.CacheTier {
	if nc, ok := c.Nodes[node]; ok && nc.CacheTier != "" {
		return pkg.CacheTier(nc.CacheTier)
	}
	return declared
}
