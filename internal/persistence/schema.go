package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		guidelines TEXT NOT NULL DEFAULT '',
		base_folder TEXT NOT NULL DEFAULT '',
		next_sequence INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		sequence INTEGER,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		task_type TEXT NOT NULL,
		trigger_config TEXT,
		assigned_provider TEXT NOT NULL DEFAULT '',
		parent_sequence INTEGER,
		is_subdivided INTEGER NOT NULL DEFAULT 0,
		is_paused INTEGER NOT NULL DEFAULT 0,
		review_required INTEGER NOT NULL DEFAULT 0,
		display_order INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_project_sequence ON tasks(project_id, sequence);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		project_id INTEGER NOT NULL,
		task_sequence INTEGER NOT NULL,
		depends_on_sequence INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (project_id, task_sequence, depends_on_sequence),
		FOREIGN KEY (project_id, task_sequence) REFERENCES tasks(project_id, sequence) ON DELETE CASCADE,
		FOREIGN KEY (project_id, depends_on_sequence) REFERENCES tasks(project_id, sequence) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task ON task_dependencies(project_id, task_sequence);

	CREATE TABLE IF NOT EXISTS execution_records (
		id TEXT PRIMARY KEY,
		project_id INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_execution_records_task ON execution_records(project_id, sequence, started_at);

	CREATE TABLE IF NOT EXISTS partial_outputs (
		project_id INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		content TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_id, sequence)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
