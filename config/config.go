// Package config loads the explicit configuration consumed by the pipeline
// core. Nothing here is read from ambient globals at runtime: the CLI loads
// a Config once and passes it down.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/topspinlab/topspin/runner/retry"
)

// Redis configures the optional Redis cache backend.
type Redis struct {
	// Addr is the host:port of the Redis server. Empty disables Redis.
	Addr string `yaml:"addr"`
	// TTL bounds cache entry retention. Zero keeps entries indefinitely.
	TTL time.Duration `yaml:"ttl"`
}

// Mongo configures the optional MongoDB session backend.
type Mongo struct {
	// URI is the MongoDB connection string. Empty disables Mongo.
	URI string `yaml:"uri"`
	// Database is the database name.
	Database string `yaml:"database"`
	// Collection is the sessions collection name.
	Collection string `yaml:"collection"`
}

// Model configures the generative model used by the diagnosis and coaching
// stages.
type Model struct {
	// Name is the Claude model identifier.
	Name string `yaml:"name"`
	// MaxTokens caps each completion.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature applies when positive.
	Temperature float64 `yaml:"temperature"`
}

// Config is the full configuration of the pipeline core.
type Config struct {
	// StoreRoot is the directory of the file session store.
	StoreRoot string `yaml:"store_root"`
	// CacheRoot is the directory of the file cache store.
	CacheRoot string `yaml:"cache_root"`
	// StageTimeout bounds each stage handler attempt.
	StageTimeout time.Duration `yaml:"stage_timeout"`
	// Retry is the transient-failure retry policy of the stage runner.
	Retry retry.Config `yaml:"retry"`
	// Resume prefers cached stage artifacts over recomputation.
	Resume bool `yaml:"resume"`
	// CacheMaxAge bounds file cache entry retention for Sweep. Zero keeps
	// entries indefinitely.
	CacheMaxAge time.Duration `yaml:"cache_max_age"`

	Redis Redis `yaml:"redis"`
	Mongo Mongo `yaml:"mongo"`
	Model Model `yaml:"model"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		StoreRoot:    "data/sessions",
		CacheRoot:    "data/cache",
		StageTimeout: 2 * time.Minute,
		Retry:        retry.DefaultConfig(),
		Resume:       true,
		Model: Model{
			Name:      "claude-sonnet-4-5",
			MaxTokens: 2048,
		},
	}
}

// Load reads a YAML configuration file and applies it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	if c.StoreRoot == "" && c.Mongo.URI == "" {
		return fmt.Errorf("store_root or mongo.uri must be set")
	}
	if c.CacheRoot == "" && c.Redis.Addr == "" {
		return fmt.Errorf("cache_root or redis.addr must be set")
	}
	if c.StageTimeout < 0 {
		return fmt.Errorf("stage_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required when mongo.uri is set")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name must be set")
	}
	return nil
}
