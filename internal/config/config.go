// Package config loads engine configuration from YAML with environment
// overrides, and hot-reloads tunable limits when the file changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meridianlabs/fathom/internal/engine"
)

// EngineConfig holds the recognized processing limits.
type EngineConfig struct {
	MaxDepth             int           `mapstructure:"max_depth" yaml:"max_depth"`
	MaxFanOut            int           `mapstructure:"max_fan_out" yaml:"max_fan_out"`
	MaxParallelism       int           `mapstructure:"max_parallelism" yaml:"max_parallelism"`
	MaxTokenBudget       int           `mapstructure:"max_token_budget" yaml:"max_token_budget"`
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries"`
	TaskTimeout          time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	DirectThreshold      int           `mapstructure:"direct_threshold" yaml:"direct_threshold"`
	TargetTokensPerChunk int           `mapstructure:"target_tokens_per_chunk" yaml:"target_tokens_per_chunk"`
	SearchWindowLines    int           `mapstructure:"search_window_lines" yaml:"search_window_lines"`
	DegradationFactor    float64       `mapstructure:"degradation_factor" yaml:"degradation_factor"`
	AggregationDecay     float64       `mapstructure:"aggregation_decay" yaml:"aggregation_decay"`
}

// RedisConfig configures the Redis-backed workspace store. With Enabled
// false the service falls back to the in-memory store.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password,omitempty"`
	DB        int           `mapstructure:"db" yaml:"db"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// InferenceConfig configures the HTTP inference backend.
type InferenceConfig struct {
	URL               string        `mapstructure:"url" yaml:"url"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Port          int           `mapstructure:"port" yaml:"port"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// Config is the full service configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

func setDefaults(v *viper.Viper) {
	d := engine.DefaultLimits()
	v.SetDefault("engine.max_depth", d.MaxDepth)
	v.SetDefault("engine.max_fan_out", d.MaxFanOut)
	v.SetDefault("engine.max_parallelism", d.MaxParallelism)
	v.SetDefault("engine.max_token_budget", d.MaxTokenBudget)
	v.SetDefault("engine.max_retries", d.MaxRetries)
	v.SetDefault("engine.task_timeout", d.TaskTimeout)
	v.SetDefault("engine.direct_threshold", d.DirectThreshold)
	v.SetDefault("engine.target_tokens_per_chunk", d.DirectThreshold)
	v.SetDefault("engine.search_window_lines", d.SearchWindowLines)
	v.SetDefault("engine.degradation_factor", d.DegradationFactor)
	v.SetDefault("engine.aggregation_decay", d.AggregationDecay)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.retention", 24*time.Hour)

	v.SetDefault("inference.url", "http://localhost:8090")
	v.SetDefault("inference.timeout", 120*time.Second)
	v.SetDefault("inference.requests_per_second", 0.0)
	v.SetDefault("inference.burst", 1)

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.sweep_interval", time.Hour)
}

// Load reads configuration from path, falling back to the FATHOM_CONFIG
// environment variable and then to defaults when no file exists. All keys
// accept FATHOM_* environment overrides (e.g. FATHOM_ENGINE_MAX_DEPTH).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FATHOM_CONFIG")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FATHOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// Missing file: run on defaults and env.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot enforce.
func (c *Config) Validate() error {
	if c.Engine.MaxDepth < 0 {
		return fmt.Errorf("engine.max_depth must be >= 0")
	}
	if c.Engine.MaxFanOut < 0 {
		return fmt.Errorf("engine.max_fan_out must be >= 0")
	}
	if c.Engine.DegradationFactor < 0 || c.Engine.DegradationFactor > 1 {
		return fmt.Errorf("engine.degradation_factor must be in [0, 1]")
	}
	if c.Engine.AggregationDecay < 0 || c.Engine.AggregationDecay > 1 {
		return fmt.Errorf("engine.aggregation_decay must be in [0, 1]")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// Limits converts the engine section to runtime limits.
func (c *Config) Limits() engine.Limits {
	return engine.Limits{
		MaxDepth:             c.Engine.MaxDepth,
		MaxFanOut:            c.Engine.MaxFanOut,
		MaxParallelism:       c.Engine.MaxParallelism,
		MaxTokenBudget:       c.Engine.MaxTokenBudget,
		MaxRetries:           c.Engine.MaxRetries,
		TaskTimeout:          c.Engine.TaskTimeout,
		DirectThreshold:      c.Engine.DirectThreshold,
		TargetTokensPerChunk: c.Engine.TargetTokensPerChunk,
		SearchWindowLines:    c.Engine.SearchWindowLines,
		DegradationFactor:    c.Engine.DegradationFactor,
		AggregationDecay:     c.Engine.AggregationDecay,
	}
}

// Snapshot renders the active configuration as YAML for the admin surface.
func (c *Config) Snapshot() ([]byte, error) {
	return yaml.Marshal(c)
}
