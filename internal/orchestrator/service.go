package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/goldenrecord/internal/events"
	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
)

// Timeouts bound the life of a task. Both are measured from creation.
type Timeouts struct {
	Pending   time.Duration // Unresolved tasks are force-errored after this
	Retention time.Duration // Terminal tasks are evicted after this
}

// ReservedTask is handed to the worker that reserved it.
type ReservedTask struct {
	ID      string
	Payload json.RawMessage
	// PendingDeadline is when the task will be timed out if still unresolved.
	// Derived from the creation time on every reservation, never stored.
	PendingDeadline time.Time
}

// EntryFailure reports one rejected entry of a batch.
type EntryFailure struct {
	TaskID string
	Err    error
}

func (f EntryFailure) Error() string {
	return fmt.Sprintf("task %s: %v", f.TaskID, f.Err)
}

func (f EntryFailure) Unwrap() error { return f.Err }

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now as the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces random UUIDs as task ids.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithEventBus publishes lifecycle events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// Service coordinates workers over the task store. Every operation runs inside
// one exclusive section, so no two batches interleave and a queued task can be
// handed to at most one reservation.
type Service struct {
	mu        sync.Mutex
	store     persistence.Store
	pipelines task.Pipelines
	timeouts  Timeouts
	now       func() time.Time
	newID     func() string
	bus       *events.EventBus
}

// NewService creates a service over store.
func NewService(store persistence.Store, pipelines task.Pipelines, timeouts Timeouts, opts ...Option) *Service {
	s := &Service{
		store:     store,
		pipelines: pipelines,
		timeouts:  timeouts,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeouts returns the configured timeouts.
func (s *Service) Timeouts() Timeouts {
	return s.timeouts
}

func (s *Service) publish(topic string, event events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}

// CreateTasks creates one task per payload, each queued at the first step of mode.
// The batch is inserted atomically.
func (s *Service) CreateTasks(ctx context.Context, mode task.Mode, payloads []json.RawMessage) ([]*task.Task, error) {
	pipeline, err := s.pipelines.Lookup(mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tasks := make([]*task.Task, len(payloads))
	for i, payload := range payloads {
		tasks[i] = &task.Task{
			ID:        s.newID(),
			Mode:      mode,
			Payload:   append(json.RawMessage(nil), payload...),
			State:     task.Initialize(pipeline, now),
			CreatedAt: now,
		}
	}

	if len(tasks) == 0 {
		return tasks, nil
	}
	if err := s.store.InsertTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("failed to create tasks: %w", err)
	}

	for _, t := range tasks {
		s.publish(events.TopicTask, events.TaskCreatedEvent{ID: t.ID, Mode: mode, Step: t.State.Step, Timestamp: now})
	}
	return tasks, nil
}

// SearchStates returns the live tasks among ids, in request order.
// Unknown or evicted ids are omitted.
func (s *Service) SearchStates(ctx context.Context, ids []string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.store.GetTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	return tasks, nil
}

// ReserveForStep reserves up to amount of the oldest tasks queued at step.
// It never waits for work: an empty result means nothing is queued. On a store
// failure no task is reserved.
func (s *Service) ReserveForStep(ctx context.Context, step task.Step, amount int) ([]ReservedTask, error) {
	if amount <= 0 {
		return []ReservedTask{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queued, err := s.store.ListQueued(ctx, step, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued tasks: %w", err)
	}

	now := s.now()
	batch := make([]*task.Task, 0, len(queued))
	for _, t := range queued {
		state, err := task.Reserve(t.State, now)
		if err != nil {
			// Store returned a task that is not queued; skip it
			log.Printf("WARNING: skipping task %s during reservation: %v", t.ID, err)
			continue
		}
		t.State = state
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		return []ReservedTask{}, nil
	}

	// All or nothing: a task is never left reserved without a caller holding it
	if err := s.store.UpdateTasks(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to reserve tasks at %s: %w", step, err)
	}

	reserved := make([]ReservedTask, len(batch))
	for i, t := range batch {
		reserved[i] = ReservedTask{
			ID:              t.ID,
			Payload:         t.Payload,
			PendingDeadline: t.PendingDeadline(s.timeouts.Pending),
		}
		s.publish(events.TopicTask, events.TaskReservedEvent{ID: t.ID, Step: step, Timestamp: now})
	}
	return reserved, nil
}

// ResolveResults applies worker results for step. Entries that reference a missing
// task, a task not reserved at step, carry no result or report an error type other
// than Unspecified are returned as failures and
// leave every other entry unaffected. The returned error is reserved for store failures.
func (s *Service) ResolveResults(ctx context.Context, step task.Step, results []task.Resolution) ([]EntryFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failures := []EntryFailure{}
	for _, r := range results {
		err := s.resolveOne(ctx, step, r)
		if err == nil {
			continue
		}
		if isEntryError(err) {
			failures = append(failures, EntryFailure{TaskID: r.TaskID, Err: err})
			continue
		}
		return failures, err
	}
	return failures, nil
}

func isEntryError(err error) bool {
	return errors.Is(err, task.ErrTaskNotFound) ||
		errors.Is(err, task.ErrInvalidResolution) ||
		errors.Is(err, task.ErrEmptyResult) ||
		errors.Is(err, task.ErrInvalidErrorType) ||
		errors.Is(err, task.ErrUnknownMode)
}

// resolveOne must be called with s.mu held.
func (s *Service) resolveOne(ctx context.Context, step task.Step, r task.Resolution) error {
	t, err := s.store.GetTask(ctx, r.TaskID)
	if err != nil {
		return err
	}

	pipeline, err := s.pipelines.Lookup(t.Mode)
	if err != nil {
		return err
	}

	now := s.now()
	updated, err := task.Resolve(t, pipeline, step, r, now)
	if err != nil {
		return &task.ResolutionError{TaskID: t.ID, Step: step, Current: t.State.Step, StepState: t.State.StepState, Err: err}
	}

	if err := s.store.UpdateTask(ctx, updated); err != nil {
		return fmt.Errorf("failed to resolve task %s: %w", t.ID, err)
	}

	age := now.Sub(t.CreatedAt)
	switch updated.State.ResultState {
	case task.ResultError:
		s.publish(events.TopicTask, events.TaskFailedEvent{ID: t.ID, Step: step, Errors: updated.State.Errors, Duration: age, Timestamp: now})
	case task.ResultSuccess:
		s.publish(events.TopicTask, events.TaskSucceededEvent{ID: t.ID, Step: step, Duration: age, Timestamp: now})
	default:
		s.publish(events.TopicTask, events.TaskAdvancedEvent{ID: t.ID, From: step, To: updated.State.Step, Timestamp: now})
	}
	return nil
}

// RemoveTasks deletes tasks regardless of their state and returns how many were removed.
// Unknown ids are ignored.
func (s *Service) RemoveTasks(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		err := s.store.DeleteTask(ctx, id)
		if errors.Is(err, task.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to remove task %s: %w", id, err)
		}
		removed++
		s.publish(events.TopicTask, events.TaskEvictedEvent{ID: id, Expired: false, Timestamp: s.now()})
	}
	return removed, nil
}

// Stats returns task counts grouped by processing state.
func (s *Service) Stats(ctx context.Context) ([]persistence.StateCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, err := s.store.CountStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	return counts, nil
}
