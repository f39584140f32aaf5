package events

import (
	"time"

	"github.com/aristath/goldenrecord/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicSweep = "sweep"
)

// Event type constants
const (
	EventTypeTaskCreated    = "task.created"
	EventTypeTaskReserved   = "task.reserved"
	EventTypeTaskAdvanced   = "task.advanced"
	EventTypeTaskSucceeded  = "task.succeeded"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskEvicted    = "task.evicted"
	EventTypeSweepCompleted = "sweep.completed"
)

// TaskCreatedEvent is published for every task of a created batch.
type TaskCreatedEvent struct {
	ID        string
	Mode      task.Mode
	Step      task.Step
	Timestamp time.Time
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TaskReservedEvent is published when a worker reserves a task.
type TaskReservedEvent struct {
	ID        string
	Step      task.Step
	Timestamp time.Time
}

func (e TaskReservedEvent) EventType() string { return EventTypeTaskReserved }
func (e TaskReservedEvent) TaskID() string    { return e.ID }

// TaskAdvancedEvent is published when a non-final step resolves successfully.
type TaskAdvancedEvent struct {
	ID        string
	From      task.Step
	To        task.Step
	Timestamp time.Time
}

func (e TaskAdvancedEvent) EventType() string { return EventTypeTaskAdvanced }
func (e TaskAdvancedEvent) TaskID() string    { return e.ID }

// TaskSucceededEvent is published when the final step resolves successfully.
type TaskSucceededEvent struct {
	ID        string
	Step      task.Step
	Duration  time.Duration // Since creation
	Timestamp time.Time
}

func (e TaskSucceededEvent) EventType() string { return EventTypeTaskSucceeded }
func (e TaskSucceededEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a worker reports errors or the sweeper times a task out.
type TaskFailedEvent struct {
	ID        string
	Step      task.Step
	Errors    []task.TaskError
	TimedOut  bool
	Duration  time.Duration // Since creation
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskEvictedEvent is published when a task leaves the store.
type TaskEvictedEvent struct {
	ID        string
	Expired   bool // false for explicit removal
	Timestamp time.Time
}

func (e TaskEvictedEvent) EventType() string { return EventTypeTaskEvicted }
func (e TaskEvictedEvent) TaskID() string    { return e.ID }

// SweepCompletedEvent summarizes one sweeper pass.
type SweepCompletedEvent struct {
	TimedOut  int
	Evicted   int
	Failures  int
	Timestamp time.Time
}

func (e SweepCompletedEvent) EventType() string { return EventTypeSweepCompleted }
func (e SweepCompletedEvent) TaskID() string    { return "" }
