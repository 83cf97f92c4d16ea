package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds how long auxiliary rows are kept. Completions,
// obstacles, and profiles are history and are never pruned.
type RetentionPolicy struct {
	ResolvedDeadLetters time.Duration
}

// DefaultRetention keeps resolved dead letters for a day.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{ResolvedDeadLetters: 24 * time.Hour}
}

// RunRetention cleans up old data according to the policy and returns the
// number of rows removed.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-p.ResolvedDeadLetters).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE resolved_at IS NOT NULL AND resolved_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
