package task

import (
	"fmt"
	"time"
)

// ResultState is the overall outcome of a task across its whole pipeline.
type ResultState int

const (
	ResultPending ResultState = iota // Final step not yet succeeded, nothing failed
	ResultSuccess                    // Final step succeeded
	ResultError                      // A step failed or the task timed out
)

var resultStateNames = [...]string{"Pending", "Success", "Error"}

func (s ResultState) String() string {
	if s < 0 || int(s) >= len(resultStateNames) {
		return fmt.Sprintf("ResultState(%d)", int(s))
	}
	return resultStateNames[s]
}

// MarshalText encodes the state by name.
func (s ResultState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(resultStateNames) {
		return nil, fmt.Errorf("invalid result state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ResultState) UnmarshalText(text []byte) error {
	for i, name := range resultStateNames {
		if name == string(text) {
			*s = ResultState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown result state %q", text)
}

// StepState is the status of a task's current step.
type StepState int

const (
	StepQueued   StepState = iota // Waiting for a worker to reserve it
	StepReserved                  // Claimed by exactly one worker
	StepSuccess                   // Final step resolved successfully
	StepError                     // Step failed or timed out
)

var stepStateNames = [...]string{"Queued", "Reserved", "Success", "Error"}

func (s StepState) String() string {
	if s < 0 || int(s) >= len(stepStateNames) {
		return fmt.Sprintf("StepState(%d)", int(s))
	}
	return stepStateNames[s]
}

// MarshalText encodes the state by name.
func (s StepState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stepStateNames) {
		return nil, fmt.Errorf("invalid step state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *StepState) UnmarshalText(text []byte) error {
	for i, name := range stepStateNames {
		if name == string(text) {
			*s = StepState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown step state %q", text)
}

// ErrorType classifies an entry of ProcessingState.Errors.
type ErrorType string

const (
	ErrorTimeout     ErrorType = "Timeout"     // Set only by the sweeper
	ErrorUnspecified ErrorType = "Unspecified" // Worker-reported domain failure
)

// TaskError is one failure recorded on a task.
type TaskError struct {
	Type        ErrorType `json:"type"`
	Description string    `json:"description"`
}

// ProcessingState tracks a task's progress through its pipeline.
type ProcessingState struct {
	ResultState ResultState `json:"resultState"`
	Step        Step        `json:"step"`
	StepState   StepState   `json:"stepState"`
	Errors      []TaskError `json:"errors"`
	ModifiedAt  time.Time   `json:"modifiedAt"`
}

func (s ProcessingState) clone() ProcessingState {
	if s.Errors != nil {
		s.Errors = append([]TaskError(nil), s.Errors...)
	}
	return s
}
