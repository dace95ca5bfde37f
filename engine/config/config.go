// Package config provides the engine's layered runtime configuration:
// built-in defaults, then an optional YAML or TOML file, then
// environment-variable overrides, validated as one unit. A subset of the
// tunables is safe to change while the engine runs; hotreload.go watches
// the source file and emits fresh validated snapshots.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config carries every tunable the engine facade consumes. DCCTickHz,
// RenegotiateEveryNTicks, LockTimeout and TargetFrameRateHz may be
// hot-reloaded; the rest is fixed at startup.
type Config struct {
	// DCCTickHz is the fixed rate of the background arbitration worker.
	DCCTickHz int `yaml:"dcc_tick_hz" toml:"dcc_tick_hz" json:"dcc_tick_hz"`
	// LockTimeout bounds agent-lock acquisition during arbitration.
	LockTimeout time.Duration `yaml:"lock_timeout" toml:"lock_timeout" json:"lock_timeout"`
	// RenegotiateEveryNTicks forces a periodic arbitration round even
	// when the heuristics see nothing remarkable.
	RenegotiateEveryNTicks int `yaml:"renegotiate_every_n_ticks" toml:"renegotiate_every_n_ticks" json:"renegotiate_every_n_ticks"`
	// TargetFrameRateHz derives the suggested per-frame latency.
	TargetFrameRateHz float64 `yaml:"target_frame_rate_hz" toml:"target_frame_rate_hz" json:"target_frame_rate_hz"`
	// MetricCapacity is the per-metric ring buffer depth in the DCC's
	// metric store.
	MetricCapacity int `yaml:"metric_capacity" toml:"metric_capacity" json:"metric_capacity"`

	// MetricsEnabled selects whether a real metrics provider is built.
	MetricsEnabled bool `yaml:"metrics_enabled" toml:"metrics_enabled" json:"metrics_enabled"`
	// MetricsBackend picks the provider: prom, otel, or noop.
	MetricsBackend string `yaml:"metrics_backend" toml:"metrics_backend" json:"metrics_backend"`
	// TracingEnabled wires arbitration-round spans through OTel.
	TracingEnabled bool `yaml:"tracing_enabled" toml:"tracing_enabled" json:"tracing_enabled"`

	// HistoryPath is the sqlite arbitration ledger location; empty
	// disables the ledger.
	HistoryPath string `yaml:"history_path" toml:"history_path" json:"history_path"`

	Checksum string `yaml:"-" toml:"-" json:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DCCTickHz:              20,
		LockTimeout:            100 * time.Millisecond,
		RenegotiateEveryNTicks: 30,
		TargetFrameRateHz:      60,
		MetricCapacity:         256,
		MetricsBackend:         "prom",
	}
}

// fileConfig overlays Config with pointer fields so a file can set any
// subset without clobbering the layers beneath it.
type fileConfig struct {
	DCCTickHz              *int           `yaml:"dcc_tick_hz" toml:"dcc_tick_hz"`
	LockTimeout            *time.Duration `yaml:"lock_timeout" toml:"lock_timeout"`
	RenegotiateEveryNTicks *int           `yaml:"renegotiate_every_n_ticks" toml:"renegotiate_every_n_ticks"`
	TargetFrameRateHz      *float64       `yaml:"target_frame_rate_hz" toml:"target_frame_rate_hz"`
	MetricCapacity         *int           `yaml:"metric_capacity" toml:"metric_capacity"`
	MetricsEnabled         *bool          `yaml:"metrics_enabled" toml:"metrics_enabled"`
	MetricsBackend         *string        `yaml:"metrics_backend" toml:"metrics_backend"`
	TracingEnabled         *bool          `yaml:"tracing_enabled" toml:"tracing_enabled"`
	HistoryPath            *string        `yaml:"history_path" toml:"history_path"`
}

func (fc *fileConfig) applyTo(cfg *Config) {
	if fc.DCCTickHz != nil {
		cfg.DCCTickHz = *fc.DCCTickHz
	}
	if fc.LockTimeout != nil {
		cfg.LockTimeout = *fc.LockTimeout
	}
	if fc.RenegotiateEveryNTicks != nil {
		cfg.RenegotiateEveryNTicks = *fc.RenegotiateEveryNTicks
	}
	if fc.TargetFrameRateHz != nil {
		cfg.TargetFrameRateHz = *fc.TargetFrameRateHz
	}
	if fc.MetricCapacity != nil {
		cfg.MetricCapacity = *fc.MetricCapacity
	}
	if fc.MetricsEnabled != nil {
		cfg.MetricsEnabled = *fc.MetricsEnabled
	}
	if fc.MetricsBackend != nil {
		cfg.MetricsBackend = *fc.MetricsBackend
	}
	if fc.TracingEnabled != nil {
		cfg.TracingEnabled = *fc.TracingEnabled
	}
	if fc.HistoryPath != nil {
		cfg.HistoryPath = *fc.HistoryPath
	}
}

// ApplyFile overlays cfg with the settings found at path, dispatching on
// the extension: .toml parses as TOML, everything else as YAML. A
// missing file is not an error (the layer simply contributes nothing).
func ApplyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	}
	fc.applyTo(cfg)
	return nil
}

// envPrefix namespaces the environment override layer.
const envPrefix = "EMBER_"

// ApplyEnv overlays cfg with EMBER_-prefixed environment variables.
// Unparseable values are reported rather than silently skipped.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(envPrefix + "DCC_TICK_HZ"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMBER_DCC_TICK_HZ: %w", err)
		}
		cfg.DCCTickHz = n
	}
	if v := os.Getenv(envPrefix + "LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EMBER_LOCK_TIMEOUT: %w", err)
		}
		cfg.LockTimeout = d
	}
	if v := os.Getenv(envPrefix + "RENEGOTIATE_EVERY_N_TICKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMBER_RENEGOTIATE_EVERY_N_TICKS: %w", err)
		}
		cfg.RenegotiateEveryNTicks = n
	}
	if v := os.Getenv(envPrefix + "TARGET_FRAME_RATE_HZ"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EMBER_TARGET_FRAME_RATE_HZ: %w", err)
		}
		cfg.TargetFrameRateHz = f
	}
	if v := os.Getenv(envPrefix + "METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EMBER_METRICS_ENABLED: %w", err)
		}
		cfg.MetricsEnabled = b
	}
	if v := os.Getenv(envPrefix + "METRICS_BACKEND"); v != "" {
		cfg.MetricsBackend = v
	}
	if v := os.Getenv(envPrefix + "HISTORY_PATH"); v != "" {
		cfg.HistoryPath = v
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DCCTickHz <= 0 || c.DCCTickHz > 1000 {
		return fmt.Errorf("config: dcc_tick_hz must be in (0, 1000], got %d", c.DCCTickHz)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("config: lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.RenegotiateEveryNTicks < 0 {
		return fmt.Errorf("config: renegotiate_every_n_ticks must be non-negative, got %d", c.RenegotiateEveryNTicks)
	}
	if c.TargetFrameRateHz <= 0 {
		return fmt.Errorf("config: target_frame_rate_hz must be positive, got %v", c.TargetFrameRateHz)
	}
	if c.MetricCapacity <= 0 {
		return fmt.Errorf("config: metric_capacity must be positive, got %d", c.MetricCapacity)
	}
	switch strings.ToLower(c.MetricsBackend) {
	case "", "prom", "prometheus", "otel", "opentelemetry", "noop":
	default:
		return fmt.Errorf("config: unknown metrics_backend %q", c.MetricsBackend)
	}
	return nil
}

// Load assembles the full layered configuration: defaults, then the
// optional file at path (skipped when path is empty), then environment
// overrides, validated last. The returned Config carries a checksum so
// hot-reload change detection is cheap.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := ApplyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Checksum = checksum(cfg)
	return cfg, nil
}

func checksum(cfg Config) string {
	cfg.Checksum = ""
	data, _ := json.Marshal(cfg)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
