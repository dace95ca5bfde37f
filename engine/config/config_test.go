package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.DCCTickHz)
	assert.Equal(t, 100*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 30, cfg.RenegotiateEveryNTicks)
	assert.Equal(t, 60.0, cfg.TargetFrameRateHz)
}

func TestApplyYAMLFileOverlaysSubset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dcc_tick_hz: 10\nmetrics_enabled: true\n"), 0o644))

	cfg := Defaults()
	require.NoError(t, ApplyFile(&cfg, path))
	assert.Equal(t, 10, cfg.DCCTickHz)
	assert.True(t, cfg.MetricsEnabled)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30, cfg.RenegotiateEveryNTicks)
}

func TestApplyTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.toml")
	require.NoError(t, os.WriteFile(path, []byte("dcc_tick_hz = 40\nmetrics_backend = \"otel\"\n"), 0o644))

	cfg := Defaults()
	require.NoError(t, ApplyFile(&cfg, path))
	assert.Equal(t, 40, cfg.DCCTickHz)
	assert.Equal(t, "otel", cfg.MetricsBackend)
}

func TestApplyFileMissingIsNotAnError(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, ApplyFile(&cfg, filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Equal(t, Defaults().DCCTickHz, cfg.DCCTickHz)
}

func TestApplyEnvOverridesFileLayer(t *testing.T) {
	t.Setenv("EMBER_DCC_TICK_HZ", "25")
	t.Setenv("EMBER_LOCK_TIMEOUT", "50ms")
	t.Setenv("EMBER_METRICS_BACKEND", "noop")

	cfg := Defaults()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, 25, cfg.DCCTickHz)
	assert.Equal(t, 50*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, "noop", cfg.MetricsBackend)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv("EMBER_DCC_TICK_HZ", "fast")
	cfg := Defaults()
	assert.Error(t, ApplyEnv(&cfg))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.DCCTickHz = 0 },
		func(c *Config) { c.DCCTickHz = 2000 },
		func(c *Config) { c.LockTimeout = 0 },
		func(c *Config) { c.RenegotiateEveryNTicks = -1 },
		func(c *Config) { c.TargetFrameRateHz = 0 },
		func(c *Config) { c.MetricCapacity = 0 },
		func(c *Config) { c.MetricsBackend = "statsd" },
	}
	for i, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		assert.Errorf(t, cfg.Validate(), "case %d", i)
	}
}

func TestLoadLayersAndChecksums(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dcc_tick_hz: 10\n"), 0o644))
	t.Setenv("EMBER_DCC_TICK_HZ", "15")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.DCCTickHz, "env layer wins over the file layer")
	assert.NotEmpty(t, cfg.Checksum)

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Checksum, again.Checksum)
}

func TestWatcherDeliversValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dcc_tick_hz: 10\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes, errs := w.Watch(ctx)

	// Give the watcher a beat to arm before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("dcc_tick_hz: 12\n"), 0o644))

	select {
	case ch := <-changes:
		assert.Equal(t, 12, ch.Config.DCCTickHz)
	case err := <-errs:
		t.Fatalf("unexpected watch error: %v", err)
	case <-ctx.Done():
		t.Fatal("no change delivered before timeout")
	}
}

func TestWatcherRejectsInvalidFileContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dcc_tick_hz: 10\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes, errs := w.Watch(ctx)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("dcc_tick_hz: 0\n"), 0o644))

	select {
	case <-errs:
		// Validation failure surfaces on the error channel.
	case ch := <-changes:
		t.Fatalf("invalid config delivered: %+v", ch.Config)
	case <-ctx.Done():
		t.Fatal("no delivery before timeout")
	}
}
