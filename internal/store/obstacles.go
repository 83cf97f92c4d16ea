package store

import (
	"context"
	"fmt"
	"time"

	"github.com/p-blackswan/focus-engine/internal/focus"
)

const insertObstacle = `
	INSERT OR IGNORE INTO obstacles (
		id, session_id, user_id, task_id, project_id, description, emotional_state,
		frustration, minutes_elapsed, seconds_remaining, advisory_kind, advisory, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

func obstacleArgs(ev focus.ObstacleEvent, sc focus.SessionContext) []any {
	return []any{
		ev.ID, sc.SessionID, sc.UserID, sc.TaskID, sc.ProjectID, ev.Description, string(ev.EmotionalState),
		ev.Frustration, ev.MinutesElapsed, ev.SecondsRemaining, string(ev.AdvisoryKind), ev.Advisory,
		ev.CreatedAt.UnixMilli(),
	}
}

// SaveObstacle stores one obstacle event. Saving the same event twice is a
// no-op, so replays from the dead-letter queue are safe.
func (s *Store) SaveObstacle(ctx context.Context, ev focus.ObstacleEvent, sc focus.SessionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, insertObstacle, obstacleArgs(ev, sc)...); err != nil {
		return fmt.Errorf("failed to save obstacle: %w", err)
	}
	return nil
}

// ListObstacles returns the obstacles userID reported during a session, in
// the order they were reported.
func (s *Store) ListObstacles(ctx context.Context, userID, sessionID string) ([]focus.ObstacleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, session_id, description, emotional_state, frustration,
	       minutes_elapsed, seconds_remaining, advisory_kind, advisory, created_at
	FROM obstacles WHERE session_id = ? AND user_id = ?
	ORDER BY created_at ASC, rowid ASC
	`, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list obstacles: %w", err)
	}
	defer rows.Close()

	var out []focus.ObstacleEvent
	for rows.Next() {
		var ev focus.ObstacleEvent
		var state, kind string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Description, &state, &ev.Frustration,
			&ev.MinutesElapsed, &ev.SecondsRemaining, &kind, &ev.Advisory, &created); err != nil {
			return nil, fmt.Errorf("failed to scan obstacle: %w", err)
		}
		ev.EmotionalState = focus.EmotionalState(state)
		ev.AdvisoryKind = focus.AdvisoryKind(kind)
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating obstacles: %w", err)
	}
	return out, nil
}
