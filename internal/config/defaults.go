package config

import (
	"time"

	"github.com/aristath/goldenrecord/internal/task"
)

// DefaultConfig returns the default configuration with the golden-record pipelines.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Pipelines: map[string]PipelineConfig{
			string(task.ModeUpsertGoldenRecord): {
				Steps: []string{string(task.StepCleanAndSync), string(task.StepPoolSync)},
			},
			string(task.ModeUpdateFromPool): {
				Steps: []string{string(task.StepClean)},
			},
		},
		Timeouts: TimeoutConfig{
			Pending:       Duration(72 * time.Hour),
			Retention:     Duration(30 * 24 * time.Hour),
			SweepInterval: Duration(time.Minute),
		},
		Store: StoreConfig{
			Driver: DriverMemory,
		},
		HTTP: HTTPConfig{
			Addr:           ":8085",
			MaxBatchSize:   100,
			MaxReservation: 100,
		},
	}
}
