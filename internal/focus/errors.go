package focus

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrSessionClosed is returned for actions on a session that already
	// emitted its completion record or was aborted.
	ErrSessionClosed = errors.New("session is closed")
	// ErrObstacleNotOpen is returned when cancelling an obstacle draft that was never opened.
	ErrObstacleNotOpen = errors.New("no obstacle report is open")
)

// TransitionError reports an action that is not accepted in the current phase.
type TransitionError struct {
	Phase  Phase
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in phase %s", e.Action, e.Phase)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
