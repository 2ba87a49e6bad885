package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero partitions", func(c *Config) { c.Pipeline.PartitionCount = 0 }},
		{"zero ingress", func(c *Config) { c.Pipeline.IngressCapacity = 0 }},
		{"bad publish mode", func(c *Config) { c.Pipeline.PublishMode = "carrier-pigeon" }},
		{"bad eviction policy", func(c *Config) { c.Persistence.EvictionPolicy = "fifo" }},
		{"zero batch size", func(c *Config) { c.Persistence.BatchSize = 0 }},
		{"zero scheduler tick", func(c *Config) { c.Saga.SchedulerTick = 0 }},
		{"postgres without dsn", func(c *Config) { c.Postgres.Enabled = true; c.Postgres.DSN = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadLayersBaseAndEnvironmentFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
service_name: layered
pipeline:
  partition_count: 2
`)
	writeConfig(t, dir, "development.yaml", `
pipeline:
  partition_count: 4
`)

	cfg, err := NewLoader(dir, Development).Load()
	require.NoError(t, err)

	assert.Equal(t, "layered", cfg.ServiceName)
	assert.Equal(t, 4, cfg.Pipeline.PartitionCount, "environment file wins over base")
	assert.Equal(t, 1024, cfg.Pipeline.IngressCapacity, "untouched knobs keep defaults")
}

func TestLoadWithoutFilesUsesDefaults(t *testing.T) {
	cfg, err := NewLoader(t.TempDir(), Production).Load()
	require.NoError(t, err)
	assert.Equal(t, Production, cfg.Environment)
	assert.Equal(t, "orderflow-runtime", cfg.ServiceName)
}

func TestLoadRecordsSources(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "service_name: traced\n")

	loader := NewLoader(dir, Staging)
	_, err := loader.Load()
	require.NoError(t, err)

	sources := loader.Sources()
	require.Len(t, sources, 2)
	assert.Equal(t, "defaults", sources[0])
	assert.Equal(t, filepath.Join(dir, "base.yaml"), sources[1])
}

func TestEnvironmentVariableOverrides(t *testing.T) {
	t.Setenv("ORDERFLOW_PARTITION_COUNT", "3")
	t.Setenv("ORDERFLOW_PUBLISH_MODE", "outbox")
	t.Setenv("ORDERFLOW_WRITE_DELAY", "25ms")
	t.Setenv("ORDERFLOW_POSTGRES_DSN", "postgres://localhost/orderflow")

	cfg, err := NewLoader(t.TempDir(), Development).Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.PartitionCount)
	assert.Equal(t, PublishOutbox, cfg.Pipeline.PublishMode)
	assert.Equal(t, 25*time.Millisecond, cfg.Persistence.WriteDelay)
	assert.True(t, cfg.Postgres.Enabled)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
persistence:
  eviction_policy: random
`)
	_, err := NewLoader(dir, Development).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eviction_policy")
}

func TestResilienceForFallsBackToDefault(t *testing.T) {
	rc := ResilienceConfig{
		Default:   ResourceConfig{MaxRetries: 3},
		Resources: map[string]ResourceConfig{"payments": {MaxRetries: 1}},
	}
	assert.Equal(t, 1, rc.For("payments").MaxRetries)
	assert.Equal(t, 3, rc.For("unknown").MaxRetries)
}

func TestSagaTimeoutOverrides(t *testing.T) {
	sc := SagaConfig{
		DefaultTimeout:   time.Minute,
		TimeoutOverrides: map[string]time.Duration{"ORDER_FULFILLMENT": time.Second},
	}
	assert.Equal(t, time.Second, sc.TimeoutFor("ORDER_FULFILLMENT"))
	assert.Equal(t, time.Minute, sc.TimeoutFor("OTHER"))
}
