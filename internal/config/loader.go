package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration from layered sources. Priority, lowest first:
//  1. defaults in code
//  2. base.yaml
//  3. <environment>.yaml
//  4. environment variables
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
}

// NewLoader creates a loader rooted at basePath (default "config").
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	return &Loader{basePath: basePath, environment: env}
}

// Load produces the effective configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	cfg.Environment = l.environment
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Sources reports where configuration was loaded from, in order.
func (l *Loader) Sources() []string {
	return append([]string(nil), l.sources...)
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	path := filepath.Join(l.basePath, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	l.sources = append(l.sources, path)
	return nil
}

// applyEnvOverrides lets deployment environments tweak the hot knobs without
// shipping a file.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORDERFLOW_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v, ok := lookupInt("ORDERFLOW_PARTITION_COUNT"); ok {
		cfg.Pipeline.PartitionCount = v
	}
	if v, ok := lookupInt("ORDERFLOW_INGRESS_CAPACITY"); ok {
		cfg.Pipeline.IngressCapacity = v
	}
	if v := os.Getenv("ORDERFLOW_PUBLISH_MODE"); v != "" {
		cfg.Pipeline.PublishMode = PublishMode(v)
	}
	if v, ok := lookupDuration("ORDERFLOW_WRITE_DELAY"); ok {
		cfg.Persistence.WriteDelay = v
	}
	if v, ok := lookupInt("ORDERFLOW_BATCH_SIZE"); ok {
		cfg.Persistence.BatchSize = v
	}
	if v := os.Getenv("ORDERFLOW_EVICTION_POLICY"); v != "" {
		cfg.Persistence.EvictionPolicy = EvictionPolicy(v)
	}
	if v := os.Getenv("ORDERFLOW_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("ORDERFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("ORDERFLOW_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
	if v, ok := lookupDuration("ORDERFLOW_SAGA_DEFAULT_TIMEOUT"); ok {
		cfg.Saga.DefaultTimeout = v
	}
	if v, ok := lookupDuration("ORDERFLOW_SCHEDULER_TICK"); ok {
		cfg.Saga.SchedulerTick = v
	}
	if v, ok := lookupDuration("ORDERFLOW_OUTBOX_POLL_INTERVAL"); ok {
		cfg.Outbox.PollInterval = v
	}
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
