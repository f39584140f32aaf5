package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// timeoutDescription is recorded by ForceTimeout.
const timeoutDescription = "task exceeded its pending timeout"

// Initialize returns the state of a freshly created task of pipeline p.
func Initialize(p Pipeline, now time.Time) ProcessingState {
	return ProcessingState{
		ResultState: ResultPending,
		Step:        p.First(),
		StepState:   StepQueued,
		Errors:      []TaskError{},
		ModifiedAt:  now,
	}
}

// Reserve moves a queued step to reserved.
func Reserve(s ProcessingState, now time.Time) (ProcessingState, error) {
	if s.ResultState != ResultPending || s.StepState != StepQueued {
		return s, ErrNotQueued
	}

	s = s.clone()
	s.StepState = StepReserved
	s.ModifiedAt = now
	return s, nil
}

// checkReserved verifies that s is reserved at step.
func checkReserved(s ProcessingState, step Step) error {
	if s.ResultState != ResultPending || s.StepState != StepReserved || s.Step != step {
		return ErrInvalidResolution
	}
	return nil
}

// ResolveToError terminates the task with the worker-reported errors.
// Every error must be of type Unspecified.
func ResolveToError(s ProcessingState, step Step, errs []TaskError, now time.Time) (ProcessingState, error) {
	if err := checkReserved(s, step); err != nil {
		return s, err
	}
	if len(errs) == 0 {
		return s, ErrEmptyResult
	}
	for _, e := range errs {
		if e.Type != ErrorUnspecified {
			return s, fmt.Errorf("%w: %q", ErrInvalidErrorType, e.Type)
		}
	}

	s = s.clone()
	s.ResultState = ResultError
	s.StepState = StepError
	s.Errors = append([]TaskError(nil), errs...)
	s.ModifiedAt = now
	return s, nil
}

// ResolveToSuccess completes the current step. The last step of p terminates the task
// successfully; any other step advances to the next step, queued.
func ResolveToSuccess(s ProcessingState, p Pipeline, step Step, now time.Time) (ProcessingState, error) {
	if err := checkReserved(s, step); err != nil {
		return s, err
	}
	if p.Index(step) < 0 {
		return s, ErrInvalidResolution
	}

	s = s.clone()
	if next, ok := p.Next(step); ok {
		s.Step = next
		s.StepState = StepQueued
	} else {
		s.ResultState = ResultSuccess
		s.StepState = StepSuccess
	}
	s.ModifiedAt = now
	return s, nil
}

// ForceTimeout terminates a pending task with a single Timeout error.
// Reserved tasks are eligible too: only the result state decides.
func ForceTimeout(s ProcessingState, now time.Time) (ProcessingState, error) {
	if s.ResultState != ResultPending {
		return s, ErrNotPending
	}

	s = s.clone()
	s.ResultState = ResultError
	s.StepState = StepError
	s.Errors = []TaskError{{Type: ErrorTimeout, Description: timeoutDescription}}
	s.ModifiedAt = now
	return s, nil
}

// Resolution is a worker's result for one reserved task: either errors or a payload.
// Errors take precedence when both are present.
type Resolution struct {
	TaskID  string
	Errors  []TaskError
	Payload json.RawMessage
}

// Resolve applies r to t for step and returns the updated copy. t is left untouched.
// Errors wrap ErrInvalidResolution, ErrInvalidErrorType or ErrEmptyResult.
func Resolve(t *Task, p Pipeline, step Step, r Resolution, now time.Time) (*Task, error) {
	if err := checkReserved(t.State, step); err != nil {
		return nil, err
	}

	updated := t.Clone()
	var err error
	switch {
	case len(r.Errors) > 0:
		updated.State, err = ResolveToError(t.State, step, r.Errors, now)
	case HasPayload(r.Payload):
		updated.State, err = ResolveToSuccess(t.State, p, step, now)
		updated.Payload = append(json.RawMessage(nil), r.Payload...)
	default:
		err = ErrEmptyResult
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}
