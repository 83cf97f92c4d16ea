package store

import (
	"context"
	"database/sql"
	"fmt"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
)

// Dead letter kinds.
const (
	KindObstacle   = "obstacle"
	KindCompletion = "completion"
)

// DeadLetter is a write that failed after retries, kept for backfill.
type DeadLetter struct {
	ID          string
	Kind        string
	Payload     string // JSON
	Error       string
	CreatedAt   int64
	RetryCount  int
	NextRetryAt int64 // 0 = give up
	ResolvedAt  int64 // 0 = unresolved
}

// SaveDeadLetter saves a dead letter
func (s *Store) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.CreatedAt == 0 {
		dl.CreatedAt = s.nowMs()
	}

	query := `
	INSERT OR REPLACE INTO dead_letters (
		id, kind, payload, error, created_at, retry_count, next_retry_at, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	nextRetry := sql.NullInt64{Int64: dl.NextRetryAt, Valid: dl.NextRetryAt != 0}
	resolved := sql.NullInt64{Int64: dl.ResolvedAt, Valid: dl.ResolvedAt != 0}

	_, err := s.db.ExecContext(ctx, query,
		dl.ID, dl.Kind, dl.Payload, dl.Error, dl.CreatedAt, dl.RetryCount, nextRetry, resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListRetryable returns unresolved dead letters ready for retry
func (s *Store) ListRetryable(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, kind, payload, error, created_at, retry_count, next_retry_at, resolved_at
	FROM dead_letters
	WHERE next_retry_at <= ? AND resolved_at IS NULL
	ORDER BY next_retry_at ASC
	`

	args := []any{s.nowMs()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var nextRetry, resolved sql.NullInt64

		err := rows.Scan(
			&dl.ID, &dl.Kind, &dl.Payload, &dl.Error,
			&dl.CreatedAt, &dl.RetryCount, &nextRetry, &resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.NextRetryAt = nextRetry.Int64
		dl.ResolvedAt = resolved.Int64

		dls = append(dls, dl)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return dls, nil
}

// IncrementRetry records a failed replay. A zero nextRetryAt parks the
// letter for good.
func (s *Store) IncrementRetry(ctx context.Context, id string, nextRetryAt int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	UPDATE dead_letters
	SET retry_count = retry_count + 1, next_retry_at = ?, error = ?
	WHERE id = ?
	`

	nextRetry := sql.NullInt64{Int64: nextRetryAt, Valid: nextRetryAt != 0}
	result, err := s.db.ExecContext(ctx, query, nextRetry, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	return expectOne(result, "dead letter", id)
}

// ResolveDeadLetter marks a dead letter as resolved
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET resolved_at = ? WHERE id = ?`, s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	return expectOne(result, "dead letter", id)
}

// CountUnresolved returns how many dead letters still await replay or review.
func (s *Store) CountUnresolved(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

func expectOne(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, perrors.ErrNotFound)
	}
	return nil
}
