package task

import (
	"bytes"
	"encoding/json"
	"time"
)

// Step names one stage of a pipeline. Each step is processed by exactly one kind of worker.
type Step string

// Mode names a pipeline: the ordered list of steps a task passes through.
type Mode string

// Built-in steps and modes.
const (
	StepCleanAndSync Step = "CleanAndSync"
	StepPoolSync     Step = "PoolSync"
	StepClean        Step = "Clean"

	ModeUpsertGoldenRecord Mode = "UpsertGoldenRecord"
	ModeUpdateFromPool     Mode = "UpdateFromPool"
)

// Task is one unit of work carrying an opaque payload through a pipeline.
type Task struct {
	ID        string          // Allocated at creation, never reused
	Mode      Mode            // Immutable, selects the pipeline
	Payload   json.RawMessage // Creation payload, replaced by each successful step
	State     ProcessingState
	CreatedAt time.Time // Origin for pending and retention timeouts
}

// IsTerminal reports whether the task accepts no further reservation or resolution.
func (t *Task) IsTerminal() bool {
	return t.State.ResultState != ResultPending
}

// PendingDeadline is the instant from which the task is eligible for a forced timeout.
func (t *Task) PendingDeadline(pendingTimeout time.Duration) time.Time {
	return t.CreatedAt.Add(pendingTimeout)
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	cp.State = t.State.clone()
	return &cp
}

// HasPayload reports whether raw carries a value. Absent and JSON null both count as empty.
func HasPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Pipeline is the ordered, non-empty sequence of steps of a mode.
type Pipeline []Step

// First returns the step every task of this pipeline starts at.
func (p Pipeline) First() Step {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Index returns the position of step in the pipeline, or -1.
func (p Pipeline) Index(step Step) int {
	for i, s := range p {
		if s == step {
			return i
		}
	}
	return -1
}

// Next returns the step following step. ok is false for the last step or an unknown step.
func (p Pipeline) Next(step Step) (next Step, ok bool) {
	i := p.Index(step)
	if i < 0 || i >= len(p)-1 {
		return "", false
	}
	return p[i+1], true
}

// IsLast reports whether step is the final step of the pipeline.
func (p Pipeline) IsLast(step Step) bool {
	return len(p) > 0 && p[len(p)-1] == step
}

// Pipelines maps every known mode to its pipeline.
type Pipelines map[Mode]Pipeline

// DefaultPipelines returns the golden-record pipelines.
func DefaultPipelines() Pipelines {
	return Pipelines{
		ModeUpsertGoldenRecord: {StepCleanAndSync, StepPoolSync},
		ModeUpdateFromPool:     {StepClean},
	}
}

// Lookup returns the pipeline for mode or an error wrapping ErrUnknownMode.
func (ps Pipelines) Lookup(mode Mode) (Pipeline, error) {
	p, ok := ps[mode]
	if !ok || len(p) == 0 {
		return nil, &ModeError{Mode: mode}
	}
	return p, nil
}
