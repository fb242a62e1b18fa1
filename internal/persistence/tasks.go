package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

const taskColumns = `sequence, title, description, status, priority, task_type, trigger_config,
	assigned_provider, parent_sequence, is_subdivided, is_paused, review_required,
	display_order, tags, estimated_minutes, result, error, created_at, updated_at`

// Save inserts or updates a task and its dependencies in one transaction.
// A zero sequence is assigned from the project's counter; sequences are never
// reused. The stored copy is returned.
func (s *SQLiteStore) Save(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error) {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	saved, err := saveTx(ctx, tx, task)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

func saveTx(ctx context.Context, tx *sql.Tx, task *scheduler.Task) (*scheduler.Task, error) {
	saved := task.Clone()

	var next int
	err := tx.QueryRowContext(ctx, `SELECT next_sequence FROM projects WHERE id = ?`, saved.ProjectID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", saved.ProjectID, ErrProjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence counter: %w", err)
	}
	if saved.Sequence == 0 {
		saved.Sequence = next
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET next_sequence = MAX(next_sequence, ?) WHERE id = ?
	`, saved.Sequence+1, saved.ProjectID); err != nil {
		return nil, fmt.Errorf("failed to advance sequence counter: %w", err)
	}

	now := time.Now().UTC()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now
	if saved.Status == "" {
		saved.Status = scheduler.StatusTodo
	}

	trigger, err := encodeOptional(saved.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trigger config: %w", err)
	}
	result, err := encodeOptional(saved.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	tags, err := json.Marshal(nonNil(saved.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	var parent sql.NullInt64
	if saved.ParentTaskID != nil {
		parent = sql.NullInt64{Int64: int64(*saved.ParentTaskID), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (project_id, `+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, sequence) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			task_type = excluded.task_type,
			trigger_config = excluded.trigger_config,
			assigned_provider = excluded.assigned_provider,
			parent_sequence = excluded.parent_sequence,
			is_subdivided = excluded.is_subdivided,
			is_paused = excluded.is_paused,
			review_required = excluded.review_required,
			display_order = excluded.display_order,
			tags = excluded.tags,
			estimated_minutes = excluded.estimated_minutes,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, saved.ProjectID, saved.Sequence, saved.Title, saved.Description, saved.Status, saved.Priority,
		saved.Type, trigger, saved.AssignedProvider, parent, saved.IsSubdivided, saved.IsPaused,
		saved.ReviewRequired, saved.Order, string(tags), saved.EstimatedMinutes, result, saved.Error,
		saved.CreatedAt, saved.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert task: %w", err)
	}

	// Keep the original creation time on update
	if err := tx.QueryRowContext(ctx, `
		SELECT created_at FROM tasks WHERE project_id = ? AND sequence = ?
	`, saved.ProjectID, saved.Sequence).Scan(&saved.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to read creation time: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE project_id = ? AND task_sequence = ?
	`, saved.ProjectID, saved.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for i, dep := range saved.Dependencies {
		var exists int
		err = tx.QueryRowContext(ctx, `
			SELECT 1 FROM tasks WHERE project_id = ? AND sequence = ?
		`, saved.ProjectID, dep).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("foreign key constraint failed: dependency task %d does not exist", dep)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (project_id, task_sequence, depends_on_sequence, position)
			VALUES (?, ?, ?, ?)
		`, saved.ProjectID, saved.Sequence, dep, i)
		if err != nil {
			return nil, fmt.Errorf("failed to insert dependency %d -> %d: %w", saved.Sequence, dep, err)
		}
	}
	return saved, nil
}

// Load returns all tasks of a project with their dependencies, ordered by sequence.
func (s *SQLiteStore) Load(ctx context.Context, projectID int64) ([]*scheduler.Task, error) {
	var legacy int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE project_id = ? AND sequence IS NULL
	`, projectID).Scan(&legacy); err != nil {
		return nil, fmt.Errorf("failed to count legacy tasks: %w", err)
	}
	if legacy > 0 {
		return nil, fmt.Errorf("project %d has %d %w", projectID, legacy, ErrNeedsBackfill)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id = ?
		ORDER BY sequence
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	bySeq := make(map[int]*scheduler.Task)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		task.ProjectID = projectID
		tasks = append(tasks, task)
		bySeq[task.Sequence] = task
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Dependencies are read after the task cursor is closed so a single
	// connection is enough.
	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_sequence, depends_on_sequence
		FROM task_dependencies
		WHERE project_id = ?
		ORDER BY task_sequence, position
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var seq, dep int
		if err := depRows.Scan(&seq, &dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := bySeq[seq]; ok {
			task.Dependencies = append(task.Dependencies, dep)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}

// Delete removes a task, its dependency rows in both directions and any
// partial output. Execution records are kept as history.
func (s *SQLiteStore) Delete(ctx context.Context, key scheduler.Key) error {
	_, err := s.DeleteAndSave(ctx, key, nil)
	return err
}

// DeleteAndSave removes a task like Delete and saves the rewritten copies of
// the tasks that referenced it, all in one transaction. The stored copies
// are returned in the order given.
func (s *SQLiteStore) DeleteAndSave(ctx context.Context, key scheduler.Key, rewrites []*scheduler.Task) ([]*scheduler.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM task_dependencies
		WHERE project_id = ? AND (task_sequence = ? OR depends_on_sequence = ?)
	`, key.ProjectID, key.Sequence, key.Sequence); err != nil {
		return nil, fmt.Errorf("failed to delete dependencies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM partial_outputs WHERE project_id = ? AND sequence = ?
	`, key.ProjectID, key.Sequence); err != nil {
		return nil, fmt.Errorf("failed to delete partial output: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE project_id = ? AND sequence = ?
	`, key.ProjectID, key.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("task %s: %w", key, scheduler.ErrTaskNotFound)
	}

	saved := make([]*scheduler.Task, 0, len(rewrites))
	for _, t := range rewrites {
		if t.ProjectID != key.ProjectID || t.Sequence == key.Sequence {
			return nil, fmt.Errorf("task %s: cannot rewrite %s while deleting", key, t.Key())
		}
		st, err := saveTx(ctx, tx, t)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.Key(), err)
		}
		saved = append(saved, st)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

func scanTask(rows *sql.Rows) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		trigger, result sql.NullString
		parent          sql.NullInt64
		tags            string
	)
	err := rows.Scan(&task.Sequence, &task.Title, &task.Description, &task.Status, &task.Priority,
		&task.Type, &trigger, &task.AssignedProvider, &parent, &task.IsSubdivided, &task.IsPaused,
		&task.ReviewRequired, &task.Order, &tags, &task.EstimatedMinutes, &result, &task.Error,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if trigger.Valid {
		task.Trigger = &scheduler.TriggerConfig{}
		if err := json.Unmarshal([]byte(trigger.String), task.Trigger); err != nil {
			return nil, fmt.Errorf("task %d: invalid trigger config: %w", task.Sequence, err)
		}
	}
	if result.Valid {
		task.Result = &scheduler.Result{}
		if err := json.Unmarshal([]byte(result.String), task.Result); err != nil {
			return nil, fmt.Errorf("task %d: invalid result: %w", task.Sequence, err)
		}
	}
	if parent.Valid {
		p := int(parent.Int64)
		task.ParentTaskID = &p
	}
	if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
		return nil, fmt.Errorf("task %d: invalid tags: %w", task.Sequence, err)
	}
	if len(task.Tags) == 0 {
		task.Tags = nil
	}
	return task, nil
}

// encodeOptional marshals v to JSON, storing NULL for a nil pointer.
func encodeOptional[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
