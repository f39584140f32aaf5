package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/goldenrecord/internal/task"
)

// Duration is a time.Duration encoded in JSON as a Go duration string ("72h", "30s").
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PipelineConfig defines the ordered steps of one mode (e.g., clean-and-sync -> pool-sync).
type PipelineConfig struct {
	Steps []string `json:"steps"`
}

// TimeoutConfig controls the timeout sweeper.
type TimeoutConfig struct {
	Pending       Duration `json:"pending,omitempty"`        // After creation, before an unresolved task is force-errored
	Retention     Duration `json:"retention,omitempty"`      // After creation, before a terminal task is evicted
	SweepInterval Duration `json:"sweep_interval,omitempty"` // Time between sweeps
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Driver string `json:"driver,omitempty"` // "memory" or "sqlite"
	Path   string `json:"path,omitempty"`   // SQLite database file
}

// HTTPConfig configures the HTTP boundary.
type HTTPConfig struct {
	Addr           string `json:"addr,omitempty"`
	MaxBatchSize   int    `json:"max_batch_size,omitempty"`  // Create, search and resolve batches
	MaxReservation int    `json:"max_reservation,omitempty"` // Reservation amount
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Pipelines map[string]PipelineConfig `json:"pipelines"`
	Timeouts  TimeoutConfig             `json:"timeouts"`
	Store     StoreConfig               `json:"store"`
	HTTP      HTTPConfig                `json:"http"`
}

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// TaskPipelines converts the configured pipelines to the task model.
func (c *OrchestratorConfig) TaskPipelines() task.Pipelines {
	ps := make(task.Pipelines, len(c.Pipelines))
	for mode, pc := range c.Pipelines {
		p := make(task.Pipeline, len(pc.Steps))
		for i, s := range pc.Steps {
			p[i] = task.Step(s)
		}
		ps[task.Mode(mode)] = p
	}
	return ps
}
