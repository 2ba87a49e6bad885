// Package config provides typed configuration for the runtime. Components
// never read the environment themselves; they accept the relevant sub-struct
// at construction time.
package config

import (
	"fmt"
	"time"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// PublishMode selects how the PUBLISH stage delivers events.
type PublishMode string

const (
	PublishDirect PublishMode = "direct"
	PublishOutbox PublishMode = "outbox"
)

// EvictionPolicy selects the hot-tier eviction strategy.
type EvictionPolicy string

const (
	EvictLRU EvictionPolicy = "lru"
	EvictLFU EvictionPolicy = "lfu"
)

// Config is the root configuration for the runtime.
type Config struct {
	Environment Environment       `yaml:"environment"`
	ServiceName string            `yaml:"service_name"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Saga        SagaConfig        `yaml:"saga"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// PipelineConfig tunes the six-stage engine.
type PipelineConfig struct {
	PartitionCount   int           `yaml:"partition_count"`
	IngressCapacity  int           `yaml:"ingress_capacity"`
	BackpressureWait time.Duration `yaml:"backpressure_wait"`
	PublishMode      PublishMode   `yaml:"publish_mode"`
}

// PersistenceConfig tunes the write-behind tier.
type PersistenceConfig struct {
	WriteDelay          time.Duration  `yaml:"write_delay"`
	BatchSize           int            `yaml:"batch_size"`
	Coalesce            bool           `yaml:"coalesce"`
	HotCacheMaxPerPart  int            `yaml:"hot_cache_max_per_partition"`
	EvictionPolicy      EvictionPolicy `yaml:"eviction_policy"`
	ReadThrough         bool           `yaml:"read_through"`
	DurableAppend       bool           `yaml:"durable_append"`
	FlushMaxAttempts    int            `yaml:"flush_max_attempts"`
	QueueCapacity       int            `yaml:"queue_capacity"`
	EnqueueBlockTimeout time.Duration  `yaml:"enqueue_block_timeout"`
}

// ResourceConfig is the per-resource resilience policy.
type ResourceConfig struct {
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	SlidingWindow        time.Duration `yaml:"sliding_window"`
	MinCalls             uint32        `yaml:"min_calls"`
	OpenDuration         time.Duration `yaml:"open_duration"`
	ProbeCount           uint32        `yaml:"probe_count"`
	MaxRetries           int           `yaml:"max_retries"`
	InitialBackoff       time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	JitterRatio          float64       `yaml:"jitter_ratio"`
}

// ResilienceConfig holds the default policy plus per-resource overrides.
type ResilienceConfig struct {
	Default   ResourceConfig            `yaml:"default"`
	Resources map[string]ResourceConfig `yaml:"resources"`
}

// For returns the effective policy for a named resource.
func (r ResilienceConfig) For(resource string) ResourceConfig {
	if rc, ok := r.Resources[resource]; ok {
		return rc
	}
	return r.Default
}

// SagaConfig tunes orchestration and timeout detection.
type SagaConfig struct {
	DefaultTimeout   time.Duration            `yaml:"default_timeout"`
	TimeoutOverrides map[string]time.Duration `yaml:"timeout_overrides"`
	AutoCompensate   bool                     `yaml:"auto_compensate"`
	SchedulerTick    time.Duration            `yaml:"scheduler_tick"`
	Retention        time.Duration            `yaml:"retention"`
}

// TimeoutFor returns the timeout for a saga type.
func (s SagaConfig) TimeoutFor(sagaType string) time.Duration {
	if d, ok := s.TimeoutOverrides[sagaType]; ok {
		return d
	}
	return s.DefaultTimeout
}

// OutboxConfig tunes the outbox publisher loop.
type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// PostgresConfig locates the durable relational tier.
type PostgresConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MigrateOnStart  bool   `yaml:"migrate_on_start"`
	Enabled         bool   `yaml:"enabled"`
	ApplicationName string `yaml:"application_name"`
}

// RedisConfig locates the optional remote projection cache.
type RedisConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// ShutdownConfig bounds the drain sequence.
type ShutdownConfig struct {
	GraceWindow time.Duration `yaml:"grace_window"`
}

// Default returns the baseline configuration before file and env overlays.
func Default() *Config {
	return &Config{
		Environment: Development,
		ServiceName: "orderflow-runtime",
		Pipeline: PipelineConfig{
			PartitionCount:   8,
			IngressCapacity:  1024,
			BackpressureWait: 100 * time.Millisecond,
			PublishMode:      PublishDirect,
		},
		Persistence: PersistenceConfig{
			WriteDelay:          50 * time.Millisecond,
			BatchSize:           64,
			Coalesce:            true,
			HotCacheMaxPerPart:  4096,
			EvictionPolicy:      EvictLRU,
			ReadThrough:         true,
			DurableAppend:       false,
			FlushMaxAttempts:    5,
			QueueCapacity:       4096,
			EnqueueBlockTimeout: time.Second,
		},
		Resilience: ResilienceConfig{
			Default: ResourceConfig{
				FailureRateThreshold: 0.5,
				SlidingWindow:        30 * time.Second,
				MinCalls:             10,
				OpenDuration:         30 * time.Second,
				ProbeCount:           3,
				MaxRetries:           3,
				InitialBackoff:       100 * time.Millisecond,
				BackoffMultiplier:    2.0,
				JitterRatio:          0.1,
			},
			Resources: map[string]ResourceConfig{},
		},
		Saga: SagaConfig{
			DefaultTimeout:   5 * time.Minute,
			TimeoutOverrides: map[string]time.Duration{},
			AutoCompensate:   true,
			SchedulerTick:    5 * time.Second,
			Retention:        24 * time.Hour,
		},
		Outbox: OutboxConfig{
			PollInterval: time.Second,
			BatchSize:    100,
			MaxAttempts:  10,
			BaseBackoff:  500 * time.Millisecond,
			MaxBackoff:   time.Minute,
		},
		Postgres: PostgresConfig{
			Enabled:         false,
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			MigrateOnStart:  true,
			ApplicationName: "orderflow-runtime",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     5 * time.Minute,
		},
		Tracing: TracingConfig{Enabled: false, Endpoint: "localhost:4317"},
		Shutdown: ShutdownConfig{
			GraceWindow: 30 * time.Second,
		},
	}
}

// Validate rejects configurations the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.Pipeline.PartitionCount <= 0 {
		return fmt.Errorf("pipeline.partition_count must be positive")
	}
	if c.Pipeline.IngressCapacity <= 0 {
		return fmt.Errorf("pipeline.ingress_capacity must be positive")
	}
	switch c.Pipeline.PublishMode {
	case PublishDirect, PublishOutbox:
	default:
		return fmt.Errorf("pipeline.publish_mode must be direct or outbox, got %q", c.Pipeline.PublishMode)
	}
	switch c.Persistence.EvictionPolicy {
	case EvictLRU, EvictLFU:
	default:
		return fmt.Errorf("persistence.eviction_policy must be lru or lfu, got %q", c.Persistence.EvictionPolicy)
	}
	if c.Persistence.BatchSize <= 0 {
		return fmt.Errorf("persistence.batch_size must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be positive")
	}
	if c.Saga.SchedulerTick <= 0 {
		return fmt.Errorf("saga.scheduler_tick must be positive")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when postgres is enabled")
	}
	return nil
}
