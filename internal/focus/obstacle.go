package focus

import (
	"strings"
	"time"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
)

// EmotionalState tags how the user felt when an obstacle hit.
type EmotionalState string

const (
	EmotionUnset       EmotionalState = ""
	EmotionFrustrated  EmotionalState = "frustrated"
	EmotionOverwhelmed EmotionalState = "overwhelmed"
	EmotionBored       EmotionalState = "bored"
	EmotionAnxious     EmotionalState = "anxious"
	EmotionConfused    EmotionalState = "confused"
	EmotionTired       EmotionalState = "tired"
)

var emotionalStates = map[EmotionalState]bool{
	EmotionFrustrated:  true,
	EmotionOverwhelmed: true,
	EmotionBored:       true,
	EmotionAnxious:     true,
	EmotionConfused:    true,
	EmotionTired:       true,
}

// Valid reports whether e is one of the known (non-empty) states.
func (e EmotionalState) Valid() bool { return emotionalStates[e] }

// DefaultFrustration applies when a report leaves frustration unset.
const DefaultFrustration = 5

// finishStepWindow is how close to the end of a phase the "finish one
// small step" advice takes over, in seconds.
const finishStepWindow = 300

// AdvisoryKind identifies which rule produced an obstacle's advice.
type AdvisoryKind string

const (
	AdviceResetProtocol  AdvisoryKind = "reset_protocol"
	AdviceFinishStep     AdvisoryKind = "finish_one_step"
	AdviceThreeSteps     AdvisoryKind = "three_steps"
	AdviceAddChallenge   AdvisoryKind = "add_challenge"
	AdviceCircuitBreaker AdvisoryKind = "circuit_breaker"
)

var advisoryText = map[AdvisoryKind]string{
	AdviceResetProtocol:  "Reset protocol: stand up, take five slow breaths, stretch for a minute, then resume with the very next action.",
	AdviceFinishStep:     "The block is almost over. Finish one small step now and let the timer carry you into the break.",
	AdviceThreeSteps:     "Break what is in front of you into 3 concrete steps and start only the first one.",
	AdviceAddChallenge:   "Add a challenge: set a mini-goal for the next ten minutes and try to beat the clock.",
	AdviceCircuitBreaker: "5-minute circuit breaker: commit to five more minutes on the task, then decide whether to keep going.",
}

// Advise selects advice for an obstacle. Rules are checked in order and the
// first match wins.
func Advise(frustration, secondsRemaining int, state EmotionalState) AdvisoryKind {
	switch {
	case frustration >= 8:
		return AdviceResetProtocol
	case secondsRemaining < finishStepWindow:
		return AdviceFinishStep
	case state == EmotionOverwhelmed:
		return AdviceThreeSteps
	case state == EmotionBored:
		return AdviceAddChallenge
	default:
		return AdviceCircuitBreaker
	}
}

// Text returns the user-facing message for k.
func (k AdvisoryKind) Text() string { return advisoryText[k] }

// ObstacleReport is the user's input to the obstacle sub-flow.
type ObstacleReport struct {
	Description    string
	EmotionalState EmotionalState
	Frustration    int // 0 means unspecified
}

// normalize validates the report and fills defaults.
func (r ObstacleReport) normalize() (ObstacleReport, error) {
	r.Description = strings.TrimSpace(r.Description)
	if r.Description == "" {
		return r, perrors.Invalid("description", "must not be empty")
	}
	if !r.EmotionalState.Valid() {
		return r, perrors.Invalid("emotional_state", "must be one of frustrated, overwhelmed, bored, anxious, confused, tired")
	}
	if r.Frustration == 0 {
		r.Frustration = DefaultFrustration
	}
	if r.Frustration < 1 || r.Frustration > 10 {
		return r, perrors.Invalid("frustration_level", "must be between 1 and 10")
	}
	return r, nil
}

// ObstacleEvent is one interruption recorded during a work phase.
// Events are values; once appended to a session they are never modified.
type ObstacleEvent struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Description      string         `json:"description"`
	EmotionalState   EmotionalState `json:"emotional_state"`
	Frustration      int            `json:"frustration_level"`
	MinutesElapsed   int            `json:"minutes_elapsed"`
	SecondsRemaining int            `json:"seconds_remaining"`
	AdvisoryKind     AdvisoryKind   `json:"advisory_kind"`
	Advisory         string         `json:"advisory"`
	CreatedAt        time.Time      `json:"created_at"`
}
