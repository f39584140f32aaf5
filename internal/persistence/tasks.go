package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/goldenrecord/internal/task"
)

const taskColumns = `id, mode, payload, result_state, step, step_state, errors, created_at, modified_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var mode, step, errorsJSON string
	var payload []byte
	var resultState, stepState int
	var createdAt, modifiedAt int64

	err := row.Scan(&t.ID, &mode, &payload, &resultState, &step, &stepState, &errorsJSON, &createdAt, &modifiedAt)
	if err != nil {
		return nil, err
	}

	t.Mode = task.Mode(mode)
	t.State.ResultState = task.ResultState(resultState)
	t.State.Step = task.Step(step)
	t.State.StepState = task.StepState(stepState)

	if payload != nil {
		t.Payload = json.RawMessage(payload)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &t.State.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors of task %s: %w", t.ID, err)
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.State.ModifiedAt = time.Unix(0, modifiedAt).UTC()
	return t, nil
}

func encodeErrors(errs []task.TaskError) (string, error) {
	if errs == nil {
		errs = []task.TaskError{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("failed to encode errors: %w", err)
	}
	return string(data), nil
}

// InsertTasks inserts all tasks in one transaction.
func (s *SQLiteStore) InsertTasks(ctx context.Context, tasks []*task.Task) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		errorsJSON, err := encodeErrors(t.State.Errors)
		if err != nil {
			return err
		}

		_, err = stmt.ExecContext(ctx, t.ID, string(t.Mode), []byte(t.Payload), int(t.State.ResultState), string(t.State.Step), int(t.State.StepState),
			errorsJSON, t.CreatedAt.UnixNano(), t.State.ModifiedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// GetTasks retrieves the tasks present among taskIDs, preserving request order.
func (s *SQLiteStore) GetTasks(ctx context.Context, taskIDs []string) ([]*task.Task, error) {
	if len(taskIDs) == 0 {
		return []*task.Task{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}

	found, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*task.Task, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}

	tasks := make([]*task.Task, 0, len(found))
	for _, id := range taskIDs {
		if t, ok := byID[id]; ok {
			tasks = append(tasks, t)
			delete(byID, id) // duplicate ids in the request yield one entry
		}
	}
	return tasks, nil
}

const updateTaskSQL = `
	UPDATE tasks
	SET payload = ?, result_state = ?, step = ?, step_state = ?, errors = ?, modified_at = ?
	WHERE id = ?
`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateTask(ctx context.Context, db execer, t *task.Task) error {
	errorsJSON, err := encodeErrors(t.State.Errors)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, updateTaskSQL,
		[]byte(t.Payload), int(t.State.ResultState), string(t.State.Step), int(t.State.StepState), errorsJSON, t.State.ModifiedAt.UnixNano(), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}

	// Check if task was found
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, t.ID)
	}

	return nil
}

// UpdateTask writes the payload and processing state of an existing task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *task.Task) error {
	return updateTask(ctx, s.db, t)
}

// UpdateTasks writes all tasks in one transaction.
func (s *SQLiteStore) UpdateTasks(ctx context.Context, tasks []*task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		if err := updateTask(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteTask removes a task by ID.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}

	return nil
}

// ListQueued returns the oldest queued tasks at step.
func (s *SQLiteStore) ListQueued(ctx context.Context, step task.Step, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return []*task.Task{}, nil
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE step = ? AND step_state = ? AND result_state = ?
		ORDER BY seq
		LIMIT ?
	`, string(step), int(task.StepQueued), int(task.ResultPending), limit)
}

// ListPendingCreatedBefore returns pending tasks created at or before cutoff.
func (s *SQLiteStore) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE result_state = ? AND created_at <= ?
		ORDER BY seq
	`, int(task.ResultPending), cutoff.UnixNano())
}

// ListTerminalCreatedBefore returns finished tasks created at or before cutoff.
func (s *SQLiteStore) ListTerminalCreatedBefore(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE result_state != ? AND created_at <= ?
		ORDER BY seq
	`, int(task.ResultPending), cutoff.UnixNano())
}

// CountStates groups live tasks by processing state.
func (s *SQLiteStore) CountStates(ctx context.Context) ([]StateCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_state, step, step_state, COUNT(*)
		FROM tasks
		GROUP BY result_state, step, step_state
		ORDER BY step, result_state, step_state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := []StateCount{}
	for rows.Next() {
		var resultState, stepState, n int
		var step string
		if err := rows.Scan(&resultState, &step, &stepState, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts = append(counts, StateCount{
			ResultState: task.ResultState(resultState),
			Step:        task.Step(step),
			StepState:   task.StepState(stepState),
			Count:       n,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}
