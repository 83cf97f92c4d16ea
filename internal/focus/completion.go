package focus

import (
	"math"
	"time"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
)

// CompletionInput carries what the user enters in the completion capture phase.
// Nil ratings are treated as missing.
type CompletionInput struct {
	MotivationBefore *int
	MotivationAfter  *int
	DopamineRating   *int
	NextMotivation   *int
	Breakthroughs    string
}

// Ratings are the four required 1-10 self-reports of a completion.
type Ratings struct {
	MotivationBefore int `json:"motivation_before"`
	MotivationAfter  int `json:"motivation_after"`
	DopamineRating   int `json:"dopamine_rating"`
	NextMotivation   int `json:"next_task_motivation"`
}

func (in CompletionInput) ratings() (Ratings, error) {
	fields := []struct {
		name string
		v    *int
	}{
		{"motivation_before", in.MotivationBefore},
		{"motivation_after", in.MotivationAfter},
		{"dopamine_rating", in.DopamineRating},
		{"next_task_motivation", in.NextMotivation},
	}
	for _, f := range fields {
		if f.v == nil {
			return Ratings{}, perrors.Invalid(f.name, "is required")
		}
		if *f.v < 1 || *f.v > 10 {
			return Ratings{}, perrors.Invalid(f.name, "must be between 1 and 10")
		}
	}
	return Ratings{
		MotivationBefore: *in.MotivationBefore,
		MotivationAfter:  *in.MotivationAfter,
		DopamineRating:   *in.DopamineRating,
		NextMotivation:   *in.NextMotivation,
	}, nil
}

// CompletionRecord is the terminal artifact of a session. It is built once,
// returned by value, and handed unchanged to completion persistence.
type CompletionRecord struct {
	ID                     string          `json:"id"`
	SessionID              string          `json:"session_id"`
	UserID                 string          `json:"user_id"`
	TaskID                 string          `json:"task_id"`
	ProjectID              string          `json:"project_id,omitempty"`
	TaskTitle              string          `json:"task_title"`
	EstimatedMinutes       *int            `json:"estimated_minutes,omitempty"`
	ActualMinutes          int             `json:"actual_minutes"`
	FocusedSeconds         int             `json:"focused_seconds"`
	Resistance             int             `json:"resistance"`
	Complexity             int             `json:"complexity"`
	Ratings                Ratings         `json:"ratings"`
	Breakthroughs          string          `json:"breakthroughs,omitempty"`
	Obstacles              []ObstacleEvent `json:"obstacles"`
	XP                     int             `json:"xp"`
	CompletedWorkPhases    int             `json:"completed_work_phases"`
	InitiationDelaySeconds int             `json:"initiation_delay_seconds"`
	CompletedAt            time.Time       `json:"completed_at"`
}

// actualMinutes rounds focused time to whole minutes for display and storage.
func actualMinutes(focusedSeconds int) int {
	return int(math.Round(FocusedMinutes(focusedSeconds)))
}
