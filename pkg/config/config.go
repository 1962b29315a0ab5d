// Configuration management for the chainhookd indexer.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// APIConfig configures the event-ingress REST and websocket server.
type APIConfig struct {
	Port           int           `mapstructure:"port"`
	Host           string        `mapstructure:"host"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
	EnableCORS     bool          `mapstructure:"enable_cors"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

// PoolConfig tunes the fork-tracking pool.
type PoolConfig struct {
	ConfirmedSegmentMinimumLength uint64 `mapstructure:"confirmed_segment_minimum_length"`
	PruningGateThreshold          uint16 `mapstructure:"pruning_gate_threshold"`
	SeedFromCheckpointOnStart     bool   `mapstructure:"seed_from_checkpoint_on_start"`
}

// CheckpointConfig configures the sqlite-backed ingestion resume cursor.
type CheckpointConfig struct {
	DSN             string        `mapstructure:"dsn"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	RetainCheckpoints int         `mapstructure:"retain_checkpoints"`
}

// IngestConfig configures parsing of incoming node payloads.
type IngestConfig struct {
	MaxPayloadSize    int64 `mapstructure:"max_payload_size"`
	StrictSchemaCheck bool  `mapstructure:"strict_schema_check"`
}

// RateLimiterConfig for request rate limiting.
type RateLimiterConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	IPLimit         int           `mapstructure:"ip_limit"`
	IPWindow        time.Duration `mapstructure:"ip_window"`
	NodeIDLimit     int           `mapstructure:"node_id_limit"`
	NodeIDWindow    time.Duration `mapstructure:"node_id_window"`
	GlobalLimit     int           `mapstructure:"global_limit"`
	GlobalWindow    time.Duration `mapstructure:"global_window"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
}

// MetricsConfig for Prometheus metrics.
type MetricsConfig struct {
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Port:           12346,
			Host:           "0.0.0.0",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxRequestSize: 10 * 1024 * 1024,
			EnableCORS:     true,
			TrustedProxies: []string{},
		},
		Pool: PoolConfig{
			ConfirmedSegmentMinimumLength: 7,
			PruningGateThreshold:          6,
			SeedFromCheckpointOnStart:     true,
		},
		Checkpoint: CheckpointConfig{
			DSN:               "chainhookd.sqlite",
			FlushInterval:     5 * time.Second,
			RetainCheckpoints: 100,
		},
		Ingest: IngestConfig{
			MaxPayloadSize:    25 * 1024 * 1024,
			StrictSchemaCheck: true,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:         true,
			IPLimit:         100,
			IPWindow:        time.Minute,
			NodeIDLimit:     200,
			NodeIDWindow:    time.Minute,
			GlobalLimit:     10000,
			GlobalWindow:    time.Minute,
			BurstMultiplier: 1.5,
		},
		Metrics: MetricsConfig{
			Port:    9090,
			Path:    "/metrics",
			Enabled: true,
		},
	}
}

// LoadConfig loads configuration from file or returns defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	if c.Pool.ConfirmedSegmentMinimumLength < 1 {
		return fmt.Errorf("confirmed_segment_minimum_length must be >= 1")
	}
	if c.Checkpoint.DSN == "" {
		return fmt.Errorf("checkpoint dsn must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 12346)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("pool.confirmed_segment_minimum_length", 7)
	v.SetDefault("pool.pruning_gate_threshold", 6)
	v.SetDefault("checkpoint.dsn", "chainhookd.sqlite")
	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("metrics.enabled", true)
}
