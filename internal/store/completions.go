package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/p-blackswan/focus-engine/internal/focus"
)

// Completion is a stored completion record. Obstacles are not loaded;
// ObstacleCount carries how many were attached.
type Completion struct {
	focus.CompletionRecord
	ObstacleCount int `json:"obstacle_count"`
}

// SaveCompletion stores rec, its obstacles, and credits rec.XP to the user's
// profile in one transaction. rankFor maps the new XP total to a rank name.
//
// A record whose session was already stored is ignored; the returned bool
// reports whether this call credited anything.
func (s *Store) SaveCompletion(ctx context.Context, rec focus.CompletionRecord, rankFor func(xp int) string) (Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, false, fmt.Errorf("failed to begin completion: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	INSERT OR IGNORE INTO completions (
		id, session_id, user_id, task_id, project_id, task_title, estimated_minutes,
		actual_minutes, focused_seconds, resistance, complexity,
		motivation_before, motivation_after, dopamine_rating, next_task_motivation,
		breakthroughs, obstacle_count, xp, work_phases, initiation_delay_seconds, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.SessionID, rec.UserID, rec.TaskID, rec.ProjectID, rec.TaskTitle, nullInt(rec.EstimatedMinutes),
		rec.ActualMinutes, rec.FocusedSeconds, rec.Resistance, rec.Complexity,
		rec.Ratings.MotivationBefore, rec.Ratings.MotivationAfter, rec.Ratings.DopamineRating, rec.Ratings.NextMotivation,
		rec.Breakthroughs, len(rec.Obstacles), rec.XP, rec.CompletedWorkPhases, rec.InitiationDelaySeconds,
		rec.CompletedAt.UnixMilli(),
	)
	if err != nil {
		return Profile{}, false, fmt.Errorf("failed to save completion: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Profile{}, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if inserted == 0 {
		p, err := scanProfile(tx.QueryRowContext(ctx, selectProfile, rec.UserID), rec.UserID)
		if err != nil {
			return Profile{}, false, err
		}
		return p, false, nil
	}

	sc := focus.SessionContext{SessionID: rec.SessionID, UserID: rec.UserID, TaskID: rec.TaskID, ProjectID: rec.ProjectID}
	for _, ev := range rec.Obstacles {
		if _, err := tx.ExecContext(ctx, insertObstacle, obstacleArgs(ev, sc)...); err != nil {
			return Profile{}, false, fmt.Errorf("failed to save completion obstacle: %w", err)
		}
	}

	now := s.nowMs()
	_, err = tx.ExecContext(ctx, `
	INSERT INTO profiles (user_id, xp, rank, sessions, updated_at) VALUES (?, ?, '', 1, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		xp = profiles.xp + excluded.xp,
		sessions = profiles.sessions + 1,
		updated_at = excluded.updated_at
	`, rec.UserID, rec.XP, now)
	if err != nil {
		return Profile{}, false, fmt.Errorf("failed to credit xp: %w", err)
	}

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT xp FROM profiles WHERE user_id = ?`, rec.UserID).Scan(&total); err != nil {
		return Profile{}, false, fmt.Errorf("failed to read xp: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET rank = ? WHERE user_id = ?`, rankFor(total), rec.UserID); err != nil {
		return Profile{}, false, fmt.Errorf("failed to set rank: %w", err)
	}

	p, err := scanProfile(tx.QueryRowContext(ctx, selectProfile, rec.UserID), rec.UserID)
	if err != nil {
		return Profile{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, false, fmt.Errorf("failed to commit completion: %w", err)
	}
	return p, true, nil
}

// ListCompletions returns a user's completions, newest first.
func (s *Store) ListCompletions(ctx context.Context, userID string, limit int) ([]Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, session_id, user_id, task_id, project_id, task_title, estimated_minutes,
	       actual_minutes, focused_seconds, resistance, complexity,
	       motivation_before, motivation_after, dopamine_rating, next_task_motivation,
	       breakthroughs, obstacle_count, xp, work_phases, initiation_delay_seconds, completed_at
	FROM completions
	WHERE user_id = ?
	ORDER BY completed_at DESC, rowid DESC
	`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list completions: %w", err)
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var c Completion
		var project sql.NullString
		var est sql.NullInt64
		var completed int64
		r := &c.CompletionRecord
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.UserID, &r.TaskID, &project, &r.TaskTitle, &est,
			&r.ActualMinutes, &r.FocusedSeconds, &r.Resistance, &r.Complexity,
			&r.Ratings.MotivationBefore, &r.Ratings.MotivationAfter, &r.Ratings.DopamineRating, &r.Ratings.NextMotivation,
			&r.Breakthroughs, &c.ObstacleCount, &r.XP, &r.CompletedWorkPhases, &r.InitiationDelaySeconds, &completed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		r.ProjectID = project.String
		r.EstimatedMinutes = intPtr(est)
		r.CompletedAt = time.UnixMilli(completed).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completions: %w", err)
	}
	return out, nil
}
