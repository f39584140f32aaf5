package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Pipelines["CleanOnly"] = PipelineConfig{Steps: []string{"Clean"}}
	cfg.Timeouts.Pending = Duration(90 * time.Minute)
	cfg.Store = StoreConfig{Driver: DriverSQLite, Path: "/data/tasks.db"}
	cfg.HTTP.MaxReservation = 7

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Durations are stored as strings
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if !strings.Contains(string(data), `"pending": "1h30m0s"`) || !strings.Contains(string(data), `"driver": "sqlite"`) {
		t.Errorf("unexpected file contents:\n%s", data)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Timeouts.Pending.Std() != 90*time.Minute {
		t.Errorf("pending = %s", loaded.Timeouts.Pending.Std())
	}
	if len(loaded.Pipelines["CleanOnly"].Steps) != 1 {
		t.Errorf("CleanOnly pipeline = %v", loaded.Pipelines["CleanOnly"])
	}
	if loaded.Store.Path != "/data/tasks.db" {
		t.Errorf("store path = %q", loaded.Store.Path)
	}
	if loaded.HTTP.MaxReservation != 7 {
		t.Errorf("max reservation = %d", loaded.HTTP.MaxReservation)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	first := DefaultConfig()
	first.HTTP.Addr = ":1111"
	if err := Save(first, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	second := DefaultConfig()
	second.HTTP.Addr = ":2222"
	if err := Save(second, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.HTTP.Addr != ":2222" {
		t.Errorf("Expected ':2222', got '%s'", loaded.HTTP.Addr)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Timeouts.Retention = 0
	if err := Save(cfg, path); err == nil {
		t.Fatal("expected error for invalid config")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("invalid config was written: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("left files behind: %v", entries)
	}
}
