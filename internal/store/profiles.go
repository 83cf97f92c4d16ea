package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
)

// Profile is a user's cumulative reward state.
type Profile struct {
	UserID    string `json:"user_id"`
	XP        int    `json:"xp"`
	Rank      string `json:"rank"`
	Sessions  int    `json:"sessions"`
	UpdatedAt int64  `json:"updated_at"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner, userID string) (Profile, error) {
	var p Profile
	err := row.Scan(&p.UserID, &p.XP, &p.Rank, &p.Sessions, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("profile %s: %w", userID, perrors.ErrNotFound)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

const selectProfile = `SELECT user_id, xp, rank, sessions, updated_at FROM profiles WHERE user_id = ?`

// GetProfile returns the user's profile, or ErrNotFound before their first
// recorded completion.
func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanProfile(s.db.QueryRowContext(ctx, selectProfile, userID), userID)
}

// Reconcile recomputes a user's XP and session count from stored
// completions and reapplies rankFor. It repairs drift after manual edits.
func (s *Store) Reconcile(ctx context.Context, userID string, rankFor func(xp int) string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to begin reconcile: %w", err)
	}
	defer tx.Rollback()

	var xp, sessions int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(xp), 0), COUNT(*) FROM completions WHERE user_id = ?`, userID,
	).Scan(&xp, &sessions)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to sum completions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO profiles (user_id, xp, rank, sessions, updated_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		xp = excluded.xp, rank = excluded.rank, sessions = excluded.sessions, updated_at = excluded.updated_at
	`, userID, xp, rankFor(xp), sessions, s.nowMs())
	if err != nil {
		return Profile{}, fmt.Errorf("failed to write profile: %w", err)
	}

	p, err := scanProfile(tx.QueryRowContext(ctx, selectProfile, userID), userID)
	if err != nil {
		return Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("failed to commit reconcile: %w", err)
	}
	return p, nil
}
