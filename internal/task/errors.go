package task

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned for ids absent from the store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidResolution is returned when a resolution targets a task that is not
	// reserved at the named step.
	ErrInvalidResolution = errors.New("task is not reserved for this step")

	// ErrEmptyResult is returned when a resolution carries neither errors nor a payload.
	ErrEmptyResult = errors.New("resolution has neither errors nor a result payload")

	// ErrInvalidErrorType is returned when a worker reports an error type it may not
	// produce. Workers report Unspecified; Timeout belongs to the sweeper.
	ErrInvalidErrorType = errors.New("invalid worker error type")

	// ErrUnknownMode is returned when no pipeline is configured for a mode.
	ErrUnknownMode = errors.New("unknown pipeline mode")

	// ErrNotQueued is returned when reserving a task whose step is not queued.
	ErrNotQueued = errors.New("task step is not queued")

	// ErrNotPending is returned when timing out a task that is already terminal.
	ErrNotPending = errors.New("task is not pending")
)

// ModeError reports a mode without a configured pipeline.
type ModeError struct {
	Mode Mode
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownMode, e.Mode)
}

func (e *ModeError) Unwrap() error { return ErrUnknownMode }

// ResolutionError describes why a resolution was rejected for one task.
type ResolutionError struct {
	TaskID    string
	Step      Step      // Step named by the caller
	Current   Step      // Task's current step
	StepState StepState // Task's current step state
	Err       error
}

func (e *ResolutionError) Error() string {
	if errors.Is(e.Err, ErrInvalidResolution) {
		return fmt.Sprintf("task %s: %v (requested %s, current %s/%s)", e.TaskID, e.Err, e.Step, e.Current, e.StepState)
	}
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
