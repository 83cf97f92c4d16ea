// Package api provides the HTTP control surface for focus sessions.
package api

import (
	"fmt"
	"time"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
	"github.com/p-blackswan/focus-engine/internal/focus"
	"github.com/p-blackswan/focus-engine/internal/rank"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Field    string `json:"field,omitempty"`
}

// --- Request DTOs ---

// CreateSessionRequest is the payload for POST /api/v1/sessions.
// Zero durations fall back to the server defaults.
type CreateSessionRequest struct {
	TaskID           string `json:"task_id"`
	WorkSeconds      int    `json:"work_seconds,omitempty"`
	BreakSeconds     int    `json:"break_seconds,omitempty"`
	LongBreakSeconds int    `json:"long_break_seconds,omitempty"`
}

// durations merges the overrides onto defaults. It returns nil when the
// request carries no override.
func (r CreateSessionRequest) durations(defaults focus.Durations) (*focus.Durations, error) {
	maxSeconds := int(focus.MaxPhase / time.Second)
	for _, f := range []struct {
		field string
		v     int
	}{
		{"work_seconds", r.WorkSeconds},
		{"break_seconds", r.BreakSeconds},
		{"long_break_seconds", r.LongBreakSeconds},
	} {
		if f.v < 0 || f.v > maxSeconds {
			return nil, perrors.Invalid(f.field, fmt.Sprintf("must be between 0 and %d", maxSeconds))
		}
	}
	if r.WorkSeconds == 0 && r.BreakSeconds == 0 && r.LongBreakSeconds == 0 {
		return nil, nil
	}
	d := defaults
	if r.WorkSeconds != 0 {
		d.Work = time.Duration(r.WorkSeconds) * time.Second
	}
	if r.BreakSeconds != 0 {
		d.Break = time.Duration(r.BreakSeconds) * time.Second
	}
	if r.LongBreakSeconds != 0 {
		d.LongBreak = time.Duration(r.LongBreakSeconds) * time.Second
	}
	return &d, nil
}

// ObstacleRequest is the payload for POST /api/v1/sessions/:id/obstacles.
type ObstacleRequest struct {
	Description      string `json:"description"`
	EmotionalState   string `json:"emotional_state"`
	FrustrationLevel int    `json:"frustration_level,omitempty"`
}

func (r ObstacleRequest) report() focus.ObstacleReport {
	return focus.ObstacleReport{
		Description:    r.Description,
		EmotionalState: focus.EmotionalState(r.EmotionalState),
		Frustration:    r.FrustrationLevel,
	}
}

// CompletionRequest is the payload for POST /api/v1/sessions/:id/completion.
type CompletionRequest struct {
	MotivationBefore   *int   `json:"motivation_before"`
	MotivationAfter    *int   `json:"motivation_after"`
	DopamineRating     *int   `json:"dopamine_rating"`
	NextTaskMotivation *int   `json:"next_task_motivation"`
	Breakthroughs      string `json:"breakthroughs,omitempty"`
}

func (r CompletionRequest) input() focus.CompletionInput {
	return focus.CompletionInput{
		MotivationBefore: r.MotivationBefore,
		MotivationAfter:  r.MotivationAfter,
		DopamineRating:   r.DopamineRating,
		NextMotivation:   r.NextTaskMotivation,
		Breakthroughs:    r.Breakthroughs,
	}
}

// ProjectRequest is the payload for PUT /api/v1/projects/:id.
type ProjectRequest struct {
	Name       string `json:"name"`
	Resistance int    `json:"resistance"`
	Complexity int    `json:"complexity"`
}

// TaskRequest is the payload for PUT /api/v1/tasks/:id.
type TaskRequest struct {
	ProjectID        string `json:"project_id"`
	Title            string `json:"title"`
	EstimatedMinutes *int   `json:"estimated_minutes,omitempty"`
}

// --- Response DTOs ---

// DurationsResponse reports phase lengths in seconds.
type DurationsResponse struct {
	WorkSeconds      int `json:"work_seconds"`
	BreakSeconds     int `json:"break_seconds"`
	LongBreakSeconds int `json:"long_break_seconds"`
}

// SessionResponse is a session snapshot with durations in seconds.
type SessionResponse struct {
	focus.Snapshot
	Durations DurationsResponse `json:"durations"`
}

func newSessionResponse(s focus.Snapshot) SessionResponse {
	return SessionResponse{
		Snapshot: s,
		Durations: DurationsResponse{
			WorkSeconds:      int(s.Durations.Work / time.Second),
			BreakSeconds:     int(s.Durations.Break / time.Second),
			LongBreakSeconds: int(s.Durations.LongBreak / time.Second),
		},
	}
}

// ProfileResponse is returned by GET /api/v1/profile.
type ProfileResponse struct {
	UserID   string     `json:"user_id"`
	XP       int        `json:"xp"`
	Rank     string     `json:"rank"`
	Sessions int        `json:"sessions"`
	NextRank *rank.Rank `json:"next_rank,omitempty"`
	XPToNext int        `json:"xp_to_next,omitempty"`
}

// ListResponse wraps a collection.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
