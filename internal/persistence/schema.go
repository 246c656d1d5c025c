package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived_tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		task_type TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		result_json TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_archived_tasks_archived_at
		ON archived_tasks(archived_at);
	CREATE INDEX IF NOT EXISTS idx_archived_tasks_status
		ON archived_tasks(status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
