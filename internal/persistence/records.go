package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
	"github.com/google/uuid"
)

// SaveExecution appends an execution record. Records without an ID get one.
func (s *SQLiteStore) SaveExecution(ctx context.Context, rec scheduler.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (id, project_id, sequence, provider, model, input_tokens,
			output_tokens, cost, duration_ms, outcome, attempts, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Key.ProjectID, rec.Key.Sequence, rec.Provider, rec.Model, rec.InputTokens,
		rec.OutputTokens, rec.Cost, rec.Duration.Milliseconds(), rec.Outcome, rec.Attempts, rec.Error,
		rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save execution record: %w", err)
	}
	return nil
}

// Executions returns a task's execution records, oldest first.
func (s *SQLiteStore) Executions(ctx context.Context, key scheduler.Key) ([]scheduler.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, model, input_tokens, output_tokens, cost, duration_ms, outcome,
			attempts, error, started_at
		FROM execution_records
		WHERE project_id = ? AND sequence = ?
		ORDER BY started_at, rowid
	`, key.ProjectID, key.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}
	defer rows.Close()

	var records []scheduler.ExecutionRecord
	for rows.Next() {
		rec := scheduler.ExecutionRecord{Key: key}
		var durationMs int64
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.Model, &rec.InputTokens, &rec.OutputTokens,
			&rec.Cost, &durationMs, &rec.Outcome, &rec.Attempts, &rec.Error, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}
	return records, nil
}

// SavePartial stores streamed content of an unfinished execution. Empty
// content clears it.
func (s *SQLiteStore) SavePartial(ctx context.Context, key scheduler.Key, content string) error {
	if content == "" {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM partial_outputs WHERE project_id = ? AND sequence = ?
		`, key.ProjectID, key.Sequence)
		if err != nil {
			return fmt.Errorf("failed to clear partial output: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partial_outputs (project_id, sequence, content)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id, sequence) DO UPDATE SET
			content = excluded.content,
			updated_at = CURRENT_TIMESTAMP
	`, key.ProjectID, key.Sequence, content)
	if err != nil {
		return fmt.Errorf("failed to save partial output: %w", err)
	}
	return nil
}

// Partial returns the stored partial content, or "" when there is none.
func (s *SQLiteStore) Partial(ctx context.Context, key scheduler.Key) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM partial_outputs WHERE project_id = ? AND sequence = ?
	`, key.ProjectID, key.Sequence).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query partial output: %w", err)
	}
	return content, nil
}
