package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are unix milliseconds stored as INTEGER.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		ai_status TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		heartbeat_agent_id TEXT NOT NULL DEFAULT '',
		ai_progress INTEGER NOT NULL DEFAULT 0,
		ai_response TEXT NOT NULL DEFAULT '',
		ai_response_short TEXT NOT NULL DEFAULT '',
		ai_blockers TEXT NOT NULL DEFAULT '',
		depends_on TEXT NOT NULL DEFAULT '',
		parent_task_id TEXT NOT NULL DEFAULT '',
		scheduled_at INTEGER NOT NULL DEFAULT 0,
		scheduled_job_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		ai_started_at INTEGER NOT NULL DEFAULT 0,
		ai_completed_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_ai_status ON tasks(ai_status);
	CREATE INDEX IF NOT EXISTS idx_tasks_heartbeat_agent ON tasks(heartbeat_agent_id);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL DEFAULT '',
		agent TEXT NOT NULL,
		status TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_agent_runs_task ON agent_runs(task_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
