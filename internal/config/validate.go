package config

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// Validate checks that the configuration can drive the orchestration service.
func Validate(cfg *OrchestratorConfig) error {
	if len(cfg.Pipelines) == 0 {
		return fmt.Errorf("no pipelines configured")
	}
	for mode, pipeline := range cfg.Pipelines {
		if err := validatePipeline(pipeline); err != nil {
			return fmt.Errorf("pipeline %q: %w", mode, err)
		}
	}

	if cfg.Timeouts.Pending <= 0 {
		return fmt.Errorf("timeouts.pending must be positive, got %s", cfg.Timeouts.Pending.Std())
	}
	if cfg.Timeouts.Retention <= 0 {
		return fmt.Errorf("timeouts.retention must be positive, got %s", cfg.Timeouts.Retention.Std())
	}
	if cfg.Timeouts.SweepInterval <= 0 {
		return fmt.Errorf("timeouts.sweep_interval must be positive, got %s", cfg.Timeouts.SweepInterval.Std())
	}

	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.HTTP.MaxBatchSize <= 0 || cfg.HTTP.MaxReservation <= 0 {
		return fmt.Errorf("http batch limits must be positive")
	}

	return nil
}

// validatePipeline rejects empty pipelines and pipelines that visit a step twice.
// Consecutive steps form edges; a repeated step closes a cycle, which the
// topological sort reports.
func validatePipeline(p PipelineConfig) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline has no steps")
	}

	edges := []toposort.Edge{{nil, p.Steps[0]}}
	for i, step := range p.Steps {
		if strings.TrimSpace(step) == "" {
			return fmt.Errorf("step %d has an empty name", i)
		}
		if i > 0 {
			edges = append(edges, toposort.Edge{p.Steps[i-1], step})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("pipeline repeats a step: %w", err)
	}
	return nil
}
