package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "service_name: before\n")

	loader := NewLoader(dir, Development)
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, "before", cfg.ServiceName)

	w, err := NewWatcher(loader, cfg, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnReload(func(next *Config) {
		select {
		case reloaded <- next:
		default:
		}
	})

	writeConfig(t, dir, "base.yaml", "service_name: after\n")

	select {
	case next := <-reloaded:
		assert.Equal(t, "after", next.ServiceName)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
	assert.Equal(t, "after", w.Current().ServiceName)
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "service_name: good\n")

	loader := NewLoader(dir, Development)
	cfg, err := loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, cfg, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	writeConfig(t, dir, "base.yaml", `
persistence:
  eviction_policy: nonsense
`)

	// The bad file is rejected; the effective config stays put.
	assert.Never(t, func() bool {
		return w.Current().ServiceName != "good"
	}, time.Second, 50*time.Millisecond)
}

func TestWatcherDisabledOutsideDevelopment(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir, Production)
	cfg, err := loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, cfg, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	writeConfig(t, dir, "base.yaml", "service_name: changed\n")
	assert.Never(t, func() bool {
		return w.Current().ServiceName == "changed"
	}, 500*time.Millisecond, 50*time.Millisecond)
}
