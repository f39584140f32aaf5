package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/goldenrecord/internal/task"
)

// StateCount is the number of live tasks sharing one processing state.
type StateCount struct {
	ResultState task.ResultState `json:"resultState"`
	Step        task.Step        `json:"step"`
	StepState   task.StepState   `json:"stepState"`
	Count       int              `json:"count"`
}

// Store defines the task storage the orchestration service requires.
// Returned tasks are copies; mutating them has no effect until UpdateTask.
// List operations return tasks in creation order.
type Store interface {
	// InsertTasks adds new tasks. Either all tasks are inserted or none.
	InsertTasks(ctx context.Context, tasks []*task.Task) error

	// GetTask returns the task or an error wrapping task.ErrTaskNotFound.
	GetTask(ctx context.Context, taskID string) (*task.Task, error)

	// GetTasks returns the tasks present in the store, in request order. Missing ids are skipped.
	GetTasks(ctx context.Context, taskIDs []string) ([]*task.Task, error)

	// UpdateTask persists the payload and processing state of an existing task.
	UpdateTask(ctx context.Context, t *task.Task) error

	// UpdateTasks persists several tasks. Either every task is updated or none;
	// a missing id fails the whole batch with an error wrapping task.ErrTaskNotFound.
	UpdateTasks(ctx context.Context, tasks []*task.Task) error

	// DeleteTask removes the task or returns an error wrapping task.ErrTaskNotFound.
	DeleteTask(ctx context.Context, taskID string) error

	// ListQueued returns at most limit tasks whose current step is step and queued.
	ListQueued(ctx context.Context, step task.Step, limit int) ([]*task.Task, error)

	// ListPendingCreatedBefore returns pending tasks with createdAt <= cutoff.
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]*task.Task, error)

	// ListTerminalCreatedBefore returns non-pending tasks with createdAt <= cutoff.
	ListTerminalCreatedBefore(ctx context.Context, cutoff time.Time) ([]*task.Task, error)

	// CountStates groups live tasks by result state, step and step state.
	CountStates(ctx context.Context) ([]StateCount, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	// Create parent directories
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openSQLite(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database so parallel stores never share rows.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialized by the orchestration service; one extra connection serves reads
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*ArenaStore)(nil)
)
