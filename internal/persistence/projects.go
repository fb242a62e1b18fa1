package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// SaveProject inserts a project when its ID is zero, otherwise updates its
// metadata. The sequence counter is never touched here.
func (s *SQLiteStore) SaveProject(ctx context.Context, p *scheduler.Project) (*scheduler.Project, error) {
	saved := *p
	if saved.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (name, guidelines, base_folder) VALUES (?, ?, ?)
		`, saved.Name, saved.Guidelines, saved.BaseFolder)
		if err != nil {
			return nil, fmt.Errorf("failed to insert project: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read project id: %w", err)
		}
		saved.ID = id
		return &saved, nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, guidelines, base_folder) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			guidelines = excluded.guidelines,
			base_folder = excluded.base_folder
	`, saved.ID, saved.Name, saved.Guidelines, saved.BaseFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}
	return &saved, nil
}

// Project returns the metadata of one project.
func (s *SQLiteStore) Project(ctx context.Context, id int64) (*scheduler.Project, error) {
	p := &scheduler.Project{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, guidelines, base_folder FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Guidelines, &p.BaseFolder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrProjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return p, nil
}

// Projects lists all projects ordered by ID.
func (s *SQLiteStore) Projects(ctx context.Context) ([]*scheduler.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, guidelines, base_folder FROM projects ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []*scheduler.Project
	for rows.Next() {
		p := &scheduler.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Guidelines, &p.BaseFolder); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}
