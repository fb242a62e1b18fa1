package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// BackfillSequences assigns per-project sequence numbers to rows created
// before sequences existed. Rows are numbered in creation order after the
// highest sequence already in use, and each project's counter is moved past
// them. Returns the number of rows updated.
func (s *SQLiteStore) BackfillSequences(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	type legacyRow struct {
		id        int64
		projectID int64
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, project_id FROM tasks
		WHERE sequence IS NULL
		ORDER BY project_id, created_at, id
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query legacy tasks: %w", err)
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.projectID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan legacy task: %w", err)
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating legacy tasks: %w", err)
	}

	next := make(map[int64]int)
	for _, r := range legacy {
		seq, ok := next[r.projectID]
		if !ok {
			if err := tx.QueryRowContext(ctx, `
				SELECT MAX(
					COALESCE((SELECT MAX(sequence) FROM tasks WHERE project_id = ?), 0) + 1,
					COALESCE((SELECT next_sequence FROM projects WHERE id = ?), 1)
				)
			`, r.projectID, r.projectID).Scan(&seq); err != nil {
				return 0, fmt.Errorf("failed to compute next sequence for project %d: %w", r.projectID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET sequence = ? WHERE id = ?`, seq, r.id); err != nil {
			return 0, fmt.Errorf("failed to assign sequence to row %d: %w", r.id, err)
		}
		next[r.projectID] = seq + 1
	}

	for projectID, seq := range next {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET next_sequence = MAX(next_sequence, ?) WHERE id = ?
		`, seq, projectID); err != nil {
			return 0, fmt.Errorf("failed to advance counter for project %d: %w", projectID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_project_sequence ON tasks(project_id, sequence)
	`); err != nil {
		return 0, fmt.Errorf("failed to create sequence index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(legacy), nil
}
