package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/goldenrecord/internal/task"
)

// arenaEntry pairs a stored task with its insertion sequence.
type arenaEntry struct {
	seq  uint64
	task *task.Task
}

// ArenaStore implements Store in process memory. Tasks are keyed by id and
// ordered by an insertion sequence that is never reused.
type ArenaStore struct {
	mu      sync.RWMutex
	entries map[string]arenaEntry
	nextSeq uint64
}

// NewArenaStore creates an empty in-memory store.
func NewArenaStore() *ArenaStore {
	return &ArenaStore{
		entries: make(map[string]arenaEntry),
	}
}

// InsertTasks adds all tasks or, if any id is already present, none.
func (a *ArenaStore) InsertTasks(_ context.Context, tasks []*task.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if _, exists := a.entries[t.ID]; exists || seen[t.ID] {
			return fmt.Errorf("task with ID %q already exists", t.ID)
		}
		seen[t.ID] = true
	}

	for _, t := range tasks {
		a.nextSeq++
		a.entries[t.ID] = arenaEntry{seq: a.nextSeq, task: t.Clone()}
	}
	return nil
}

// GetTask returns a copy of the task.
func (a *ArenaStore) GetTask(_ context.Context, taskID string) (*task.Task, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	return e.task.Clone(), nil
}

// GetTasks returns copies of the present tasks in request order.
func (a *ArenaStore) GetTasks(_ context.Context, taskIDs []string) ([]*task.Task, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tasks := make([]*task.Task, 0, len(taskIDs))
	seen := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, ok := a.entries[id]; ok {
			tasks = append(tasks, e.task.Clone())
		}
	}
	return tasks, nil
}

// UpdateTask replaces the payload and processing state of an existing task.
func (a *ArenaStore) UpdateTask(_ context.Context, t *task.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.entries[t.ID]; !ok {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, t.ID)
	}
	a.replace(t)
	return nil
}

// UpdateTasks replaces all tasks or, if any id is missing, none.
func (a *ArenaStore) UpdateTasks(_ context.Context, tasks []*task.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range tasks {
		if _, ok := a.entries[t.ID]; !ok {
			return fmt.Errorf("%w: %s", task.ErrTaskNotFound, t.ID)
		}
	}
	for _, t := range tasks {
		a.replace(t)
	}
	return nil
}

// replace must be called with a.mu held and t present.
func (a *ArenaStore) replace(t *task.Task) {
	e := a.entries[t.ID]
	updated := e.task.Clone()
	cp := t.Clone()
	updated.Payload = cp.Payload
	updated.State = cp.State
	e.task = updated
	a.entries[t.ID] = e
}

// DeleteTask removes a task.
func (a *ArenaStore) DeleteTask(_ context.Context, taskID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.entries[taskID]; !ok {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	delete(a.entries, taskID)
	return nil
}

// ListQueued returns the oldest queued tasks at step.
func (a *ArenaStore) ListQueued(_ context.Context, step task.Step, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return []*task.Task{}, nil
	}
	return a.filter(limit, func(t *task.Task) bool {
		return t.State.ResultState == task.ResultPending && t.State.Step == step && t.State.StepState == task.StepQueued
	}), nil
}

// ListPendingCreatedBefore returns pending tasks created at or before cutoff.
func (a *ArenaStore) ListPendingCreatedBefore(_ context.Context, cutoff time.Time) ([]*task.Task, error) {
	return a.filter(0, func(t *task.Task) bool {
		return t.State.ResultState == task.ResultPending && !t.CreatedAt.After(cutoff)
	}), nil
}

// ListTerminalCreatedBefore returns finished tasks created at or before cutoff.
func (a *ArenaStore) ListTerminalCreatedBefore(_ context.Context, cutoff time.Time) ([]*task.Task, error) {
	return a.filter(0, func(t *task.Task) bool {
		return t.State.ResultState != task.ResultPending && !t.CreatedAt.After(cutoff)
	}), nil
}

// CountStates groups live tasks by processing state.
func (a *ArenaStore) CountStates(_ context.Context) ([]StateCount, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	type key struct {
		result    task.ResultState
		step      task.Step
		stepState task.StepState
	}
	byKey := make(map[key]int)
	for _, e := range a.entries {
		s := e.task.State
		byKey[key{s.ResultState, s.Step, s.StepState}]++
	}

	counts := make([]StateCount, 0, len(byKey))
	for k, n := range byKey {
		counts = append(counts, StateCount{ResultState: k.result, Step: k.step, StepState: k.stepState, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Step != counts[j].Step {
			return counts[i].Step < counts[j].Step
		}
		if counts[i].ResultState != counts[j].ResultState {
			return counts[i].ResultState < counts[j].ResultState
		}
		return counts[i].StepState < counts[j].StepState
	})
	return counts, nil
}

// Close is a no-op; the arena lives as long as the process.
func (a *ArenaStore) Close() error {
	return nil
}

// filter returns copies of matching tasks in insertion order. limit <= 0 means unbounded.
func (a *ArenaStore) filter(limit int, match func(*task.Task) bool) []*task.Task {
	a.mu.RLock()
	defer a.mu.RUnlock()

	matched := make([]arenaEntry, 0)
	for _, e := range a.entries {
		if match(e.task) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	tasks := make([]*task.Task, len(matched))
	for i, e := range matched {
		tasks[i] = e.task.Clone()
	}
	return tasks
}
