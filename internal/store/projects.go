package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
	"github.com/p-blackswan/focus-engine/internal/focus"
)

// Project carries the difficulty scores every task in it inherits.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Resistance int    `json:"resistance"`
	Complexity int    `json:"complexity"`
	CreatedAt  int64  `json:"created_at"` // unix ms
	UpdatedAt  int64  `json:"updated_at"` // unix ms
}

// Validate checks required fields and score ranges.
func (p *Project) Validate() error {
	if p.ID == "" {
		return perrors.Invalid("id", "is required")
	}
	if p.Name == "" {
		return perrors.Invalid("name", "is required")
	}
	if !focus.ValidDifficulty(p.Resistance) {
		return perrors.Invalid("resistance", "must be between 1 and 10")
	}
	if !focus.ValidDifficulty(p.Complexity) {
		return perrors.Invalid("complexity", "must be between 1 and 10")
	}
	return nil
}

// Task is a unit of work a focus session is started against.
type Task struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Title            string `json:"title"`
	EstimatedMinutes *int   `json:"estimated_minutes,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

// Validate checks required fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return perrors.Invalid("id", "is required")
	}
	if t.ProjectID == "" {
		return perrors.Invalid("project_id", "is required")
	}
	if t.Title == "" {
		return perrors.Invalid("title", "is required")
	}
	if t.EstimatedMinutes != nil && *t.EstimatedMinutes < 1 {
		return perrors.Invalid("estimated_minutes", "must be positive")
	}
	return nil
}

// SaveProject inserts or updates a project, keeping its creation time.
func (s *Store) SaveProject(ctx context.Context, p *Project) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO projects (id, name, resistance, complexity, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		resistance = excluded.resistance,
		complexity = excluded.complexity,
		updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Resistance, p.Complexity, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &Project{}
	err := s.db.QueryRowContext(ctx, `
	SELECT id, name, resistance, complexity, created_at, updated_at
	FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Resistance, &p.Complexity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// SaveTask inserts or updates a task. The project must already exist.
func (s *Store) SaveTask(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id = ?`, t.ProjectID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check project: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("project %s: %w", t.ProjectID, perrors.ErrNotFound)
	}

	now := s.nowMs()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO tasks (id, project_id, title, estimated_minutes, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		project_id = excluded.project_id,
		title = excluded.title,
		estimated_minutes = excluded.estimated_minutes,
		updated_at = excluded.updated_at
	`, t.ID, t.ProjectID, t.Title, nullInt(t.EstimatedMinutes), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &Task{}
	var est sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
	SELECT id, project_id, title, estimated_minutes, created_at, updated_at
	FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.ProjectID, &t.Title, &est, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	t.EstimatedMinutes = intPtr(est)
	return t, nil
}

// LookupTask joins a task with its project's difficulty scores.
func (s *Store) LookupTask(ctx context.Context, taskID string) (focus.TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var info focus.TaskInfo
	var est sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
	SELECT t.id, t.project_id, t.title, t.estimated_minutes, p.resistance, p.complexity
	FROM tasks t JOIN projects p ON p.id = t.project_id
	WHERE t.id = ?
	`, taskID).Scan(&info.TaskID, &info.ProjectID, &info.Title, &est, &info.Resistance, &info.Complexity)
	if errors.Is(err, sql.ErrNoRows) {
		return focus.TaskInfo{}, fmt.Errorf("task %s: %w", taskID, perrors.ErrNotFound)
	}
	if err != nil {
		return focus.TaskInfo{}, fmt.Errorf("failed to look up task: %w", err)
	}
	info.EstimatedMinutes = intPtr(est)
	return info, nil
}
