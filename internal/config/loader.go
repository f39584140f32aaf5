package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variables overriding file configuration.
const (
	EnvPendingTimeout   = "GOLDENRECORD_PENDING_TIMEOUT"
	EnvRetentionTimeout = "GOLDENRECORD_RETENTION_TIMEOUT"
	EnvSweepInterval    = "GOLDENRECORD_SWEEP_INTERVAL"
	EnvHTTPAddr         = "GOLDENRECORD_HTTP_ADDR"
	EnvMaxBatchSize     = "GOLDENRECORD_MAX_BATCH_SIZE"
	EnvStoreDriver      = "GOLDENRECORD_STORE_DRIVER"
	EnvStorePath        = "GOLDENRECORD_STORE_PATH"
)

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// Paths returns the conventional config file locations.
// Global: ~/.goldenrecord/config.json
// Project: .goldenrecord/config.json (relative to cwd)
func Paths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".goldenrecord", "config.json"), filepath.Join(".goldenrecord", "config.json"), nil
}

// LoadDefault loads configuration from conventional paths, applies environment
// overrides and fills in the default SQLite path.
func LoadDefault() (*OrchestratorConfig, error) {
	globalPath, projectPath, err := Paths()
	if err != nil {
		return nil, err
	}

	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(filepath.Dir(globalPath), "tasks.db")
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with any set environment variables.
func ApplyEnv(cfg *OrchestratorConfig, lookup LookupFunc) error {
	durations := []struct {
		key    string
		target *Duration
	}{
		{EnvPendingTimeout, &cfg.Timeouts.Pending},
		{EnvRetentionTimeout, &cfg.Timeouts.Retention},
		{EnvSweepInterval, &cfg.Timeouts.SweepInterval},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.target = Duration(parsed)
	}

	if v, ok := lookup(EnvMaxBatchSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvMaxBatchSize, err)
		}
		cfg.HTTP.MaxBatchSize = n
	}

	if v, ok := lookup(EnvHTTPAddr); ok && v != "" {
		cfg.HTTP.Addr = v
	}
	if v, ok := lookup(EnvStoreDriver); ok && v != "" {
		cfg.Store.Driver = v
	}
	if v, ok := lookup(EnvStorePath); ok && v != "" {
		cfg.Store.Path = v
	}

	return nil
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
// Zero values in the file leave the base value untouched.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Parse JSON
	var loaded OrchestratorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Merge pipelines
	for mode, pipeline := range loaded.Pipelines {
		base.Pipelines[mode] = pipeline
	}

	// Merge timeouts
	if loaded.Timeouts.Pending != 0 {
		base.Timeouts.Pending = loaded.Timeouts.Pending
	}
	if loaded.Timeouts.Retention != 0 {
		base.Timeouts.Retention = loaded.Timeouts.Retention
	}
	if loaded.Timeouts.SweepInterval != 0 {
		base.Timeouts.SweepInterval = loaded.Timeouts.SweepInterval
	}

	// Merge store
	if loaded.Store.Driver != "" {
		base.Store.Driver = loaded.Store.Driver
	}
	if loaded.Store.Path != "" {
		base.Store.Path = loaded.Store.Path
	}

	// Merge HTTP
	if loaded.HTTP.Addr != "" {
		base.HTTP.Addr = loaded.HTTP.Addr
	}
	if loaded.HTTP.MaxBatchSize != 0 {
		base.HTTP.MaxBatchSize = loaded.HTTP.MaxBatchSize
	}
	if loaded.HTTP.MaxReservation != 0 {
		base.HTTP.MaxReservation = loaded.HTTP.MaxReservation
	}

	return nil
}
