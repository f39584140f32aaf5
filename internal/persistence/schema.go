package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as Unix nanoseconds so deadline comparisons are exact.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		mode TEXT NOT NULL,
		payload BLOB,
		result_state INTEGER NOT NULL,
		step TEXT NOT NULL,
		step_state INTEGER NOT NULL,
		errors TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(step, step_state, seq);

	CREATE INDEX IF NOT EXISTS idx_tasks_result_created ON tasks(result_state, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
