// Package focus implements the focus-session execution engine: a timed
// work/break state machine with obstacle capture, an experience-point reward
// formula, and the completion record handed to persistence.
package focus

// Phase is one state of a focus session.
type Phase string

const (
	PhasePriming           Phase = "priming"
	PhaseActive            Phase = "active"
	PhasePaused            Phase = "paused"
	PhaseBreak             Phase = "break"
	PhaseLongBreak         Phase = "long_break"
	PhaseCompletionCapture Phase = "completion_capture"
	PhaseAborted           Phase = "aborted"
)

// Timed reports whether a clock runs in this phase.
func (p Phase) Timed() bool {
	switch p {
	case PhaseActive, PhasePaused, PhaseBreak, PhaseLongBreak:
		return true
	}
	return false
}

// IsBreak reports whether p is a recovery phase.
func (p Phase) IsBreak() bool {
	return p == PhaseBreak || p == PhaseLongBreak
}

// Action is a trigger that may move a session between phases.
type Action string

const (
	ActionStart          Action = "start"
	ActionPause          Action = "pause"
	ActionResume         Action = "resume"
	ActionReset          Action = "reset"
	ActionSkipBreak      Action = "skip_break"
	ActionMarkCompleted  Action = "mark_completed"
	ActionSubmit         Action = "submit"
	ActionAbort          Action = "abort"
	ActionReportObstacle Action = "report_obstacle"

	// Fired by the clock, never by the user.
	ActionWorkElapsed  Action = "work_elapsed"
	ActionBreakElapsed Action = "break_elapsed"
)

// longBreakEvery is the work-phase cadence that earns a long break.
const longBreakEvery = 4

// validTransitions defines the legal phase transitions.
// Each key is a source phase, and the value is the set of valid target phases.
var validTransitions = map[Phase]map[Phase]bool{
	PhasePriming:           {PhaseActive: true, PhaseAborted: true},
	PhaseActive:            {PhasePaused: true, PhaseBreak: true, PhaseLongBreak: true, PhaseCompletionCapture: true, PhaseAborted: true},
	PhasePaused:            {PhaseActive: true, PhaseAborted: true},
	PhaseBreak:             {PhaseActive: true, PhaseAborted: true},
	PhaseLongBreak:         {PhaseActive: true, PhaseAborted: true},
	PhaseCompletionCapture: {PhaseAborted: true},
}

// IsValidTransition checks if a phase transition is legal.
func IsValidTransition(from, to Phase) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// BreakAfter picks the recovery phase that follows a work phase, given how
// many work phases were completed before it. Every fourth one earns a long break.
func BreakAfter(completedBefore int) Phase {
	if completedBefore%longBreakEvery == longBreakEvery-1 {
		return PhaseLongBreak
	}
	return PhaseBreak
}

// resolveNextPhase determines the target phase for a user action.
// Clock-driven actions are resolved by the session itself.
func resolveNextPhase(current Phase, action Action) (Phase, error) {
	switch action {
	case ActionStart:
		if current == PhasePriming {
			return PhaseActive, nil
		}
	case ActionPause:
		if current == PhaseActive {
			return PhasePaused, nil
		}
	case ActionResume:
		if current == PhasePaused {
			return PhaseActive, nil
		}
	case ActionSkipBreak:
		if current.IsBreak() {
			return PhaseActive, nil
		}
	case ActionMarkCompleted:
		if current == PhaseActive {
			return PhaseCompletionCapture, nil
		}
	case ActionAbort:
		if current != PhaseAborted {
			return PhaseAborted, nil
		}
	}
	return "", &TransitionError{Phase: current, Action: action}
}
