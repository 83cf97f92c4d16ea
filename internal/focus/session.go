package focus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
)

// Durations configures the length of each timed phase.
type Durations struct {
	Work      time.Duration `json:"work"`
	Break     time.Duration `json:"break"`
	LongBreak time.Duration `json:"long_break"`
}

// DefaultDurations is the classic 25/5/15 protocol.
func DefaultDurations() Durations {
	return Durations{
		Work:      25 * time.Minute,
		Break:     5 * time.Minute,
		LongBreak: 15 * time.Minute,
	}
}

// MaxPhase is the longest configurable phase.
const MaxPhase = 24 * time.Hour

// Validate rejects phases shorter than one second or longer than MaxPhase.
func (d Durations) Validate() error {
	for _, p := range []struct {
		field string
		v     time.Duration
	}{
		{"work_duration", d.Work},
		{"break_duration", d.Break},
		{"long_break_duration", d.LongBreak},
	} {
		if p.v < time.Second || p.v > MaxPhase {
			return perrors.Invalid(p.field, "must be between one second and 24 hours")
		}
	}
	return nil
}

func (d Durations) seconds(p Phase) int {
	switch p {
	case PhaseActive, PhasePaused:
		return int(d.Work / time.Second)
	case PhaseBreak:
		return int(d.Break / time.Second)
	case PhaseLongBreak:
		return int(d.LongBreak / time.Second)
	}
	return 0
}

// TaskInfo is what the task/project store knows about the work being done.
type TaskInfo struct {
	TaskID           string
	ProjectID        string
	Title            string
	EstimatedMinutes *int
	Resistance       int
	Complexity       int
}

// Validate checks that the difficulty scores can feed the reward formula.
func (t TaskInfo) Validate() error {
	if t.TaskID == "" {
		return perrors.Invalid("task_id", "is required")
	}
	if !ValidDifficulty(t.Resistance) {
		return perrors.Invalid("resistance", "must be between 1 and 10")
	}
	if !ValidDifficulty(t.Complexity) {
		return perrors.Invalid("complexity", "must be between 1 and 10")
	}
	return nil
}

// Transition describes one phase change.
type Transition struct {
	SessionID string    `json:"session_id"`
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Action    Action    `json:"action"`
	At        time.Time `json:"at"`
}

// Changed reports whether the transition moved the session.
func (t Transition) Changed() bool { return t.From != t.To }

// Session is one run of the engine for a single user and task.
//
// All methods are safe for concurrent use; the real-time tick driver and user
// actions are serialized by an internal mutex.
type Session struct {
	mu sync.Mutex

	id        string
	userID    string
	task      TaskInfo
	durations Durations
	now       func() time.Time

	phase        Phase
	clock        *Clock
	elapsed      map[Phase]int
	workPhases   int
	obstacles    []ObstacleEvent
	obstacleOpen bool
	closed       bool

	createdAt time.Time
	startedAt time.Time
}

// Option customizes a Session.
type Option func(*Session)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithID fixes the session identifier.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// NewSession creates a session in the priming phase.
func NewSession(userID string, task TaskInfo, d Durations, opts ...Option) (*Session, error) {
	if userID == "" {
		return nil, perrors.Invalid("user_id", "is required")
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:        uuid.New().String(),
		userID:    userID,
		task:      task,
		durations: d,
		now:       time.Now,
		phase:     PhasePriming,
		elapsed:   make(map[Phase]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now().UTC()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// Task returns the task the session works on.
func (s *Session) Task() TaskInfo { return s.task }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Closed reports whether the session emitted its record or was aborted.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Start leaves priming and runs the first work clock.
func (s *Session) Start() (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.apply(ActionStart)
	if err != nil {
		return tr, err
	}
	s.startedAt = tr.At
	return tr, nil
}

// Pause halts the work clock without resetting it.
func (s *Session) Pause() (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ActionPause)
}

// Resume continues a paused work clock where it stopped.
func (s *Session) Resume() (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ActionResume)
}

// SkipBreak ends a break early and starts a fresh work clock.
func (s *Session) SkipBreak() (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ActionSkipBreak)
}

// MarkCompleted freezes the session and enters completion capture.
// Only accepted while a work clock is active.
func (s *Session) MarkCompleted() (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ActionMarkCompleted)
}

// Abort discards the session from any phase. No record is produced.
func (s *Session) Abort() (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.apply(ActionAbort)
	if err != nil {
		return tr, err
	}
	s.closed = true
	return tr, nil
}

// Reset rearms the current phase's clock with its full duration. Focused
// time already accrued is kept.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.phase.Timed() || s.clock == nil {
		return &TransitionError{Phase: s.phase, Action: ActionReset}
	}
	s.clock.Reset(s.durations.seconds(s.phase))
	return nil
}

// Tick advances the running clock by one second. When the clock expires it
// performs the automatic transition and returns it; otherwise ok is false.
func (s *Session) Tick() (tr Transition, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.clock == nil || !s.clock.Running() {
		return Transition{}, false
	}

	before := s.clock.Remaining()
	expired := s.clock.Tick()
	if s.clock.Remaining() < before {
		s.elapsed[s.phase]++
	}
	if !expired {
		return Transition{}, false
	}

	switch s.phase {
	case PhaseActive:
		next := BreakAfter(s.workPhases)
		s.workPhases++
		return s.enter(next, ActionWorkElapsed), true
	case PhaseBreak, PhaseLongBreak:
		return s.enter(PhaseActive, ActionBreakElapsed), true
	}
	return Transition{}, false
}

// apply resolves and performs a user action. Caller must hold s.mu.
func (s *Session) apply(action Action) (Transition, error) {
	if s.closed {
		return Transition{}, ErrSessionClosed
	}
	next, err := resolveNextPhase(s.phase, action)
	if err != nil {
		return Transition{}, err
	}
	if !IsValidTransition(s.phase, next) {
		return Transition{}, &TransitionError{Phase: s.phase, Action: action}
	}
	return s.enter(next, action), nil
}

// enter performs the side effects of moving into phase next. Caller must hold s.mu.
func (s *Session) enter(next Phase, action Action) Transition {
	tr := Transition{
		SessionID: s.id,
		From:      s.phase,
		To:        next,
		Action:    action,
		At:        s.now().UTC(),
	}

	switch {
	case s.phase == PhaseActive && next == PhasePaused:
		s.clock.Pause()
	case s.phase == PhasePaused && next == PhaseActive:
		s.clock.Start()
	default:
		// Every other boundary retires the old clock and arms a new one.
		if s.clock != nil {
			s.clock.Stop()
			s.clock = nil
		}
		if next.Timed() {
			s.clock = NewClock(s.durations.seconds(next))
			s.clock.Start()
		}
	}

	if next != PhaseActive && next != PhasePaused {
		s.obstacleOpen = false
	}
	s.phase = next
	return tr
}

// OpenObstacle starts the obstacle sub-flow. The work clock keeps running.
func (s *Session) OpenObstacle() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.phase != PhaseActive {
		return &TransitionError{Phase: s.phase, Action: ActionReportObstacle}
	}
	s.obstacleOpen = true
	return nil
}

// CancelObstacle closes an open obstacle draft without recording anything.
func (s *Session) CancelObstacle() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.obstacleOpen {
		return ErrObstacleNotOpen
	}
	s.obstacleOpen = false
	return nil
}

// ReportObstacle validates a report, attaches advice, and appends the event.
// It is accepted only while the work clock is active and never touches the clock.
func (s *Session) ReportObstacle(r ObstacleReport) (ObstacleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ObstacleEvent{}, ErrSessionClosed
	}
	if s.phase != PhaseActive {
		return ObstacleEvent{}, &TransitionError{Phase: s.phase, Action: ActionReportObstacle}
	}
	r, err := r.normalize()
	if err != nil {
		return ObstacleEvent{}, err
	}

	remaining := s.clock.Remaining()
	kind := Advise(r.Frustration, remaining, r.EmotionalState)
	ev := ObstacleEvent{
		ID:               uuid.New().String(),
		SessionID:        s.id,
		Description:      r.Description,
		EmotionalState:   r.EmotionalState,
		Frustration:      r.Frustration,
		MinutesElapsed:   s.elapsed[PhaseActive] / 60,
		SecondsRemaining: remaining,
		AdvisoryKind:     kind,
		Advisory:         kind.Text(),
		CreatedAt:        s.now().UTC(),
	}
	s.obstacles = append(s.obstacles, ev)
	s.obstacleOpen = false
	return ev, nil
}

// Submit validates the completion ratings and emits the final record. On a
// validation failure the session stays in completion capture.
func (s *Session) Submit(in CompletionInput) (CompletionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CompletionRecord{}, ErrSessionClosed
	}
	if s.phase != PhaseCompletionCapture {
		return CompletionRecord{}, &TransitionError{Phase: s.phase, Action: ActionSubmit}
	}
	ratings, err := in.ratings()
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("submit completion: %w", err)
	}

	focused := s.elapsed[PhaseActive]
	obstacles := make([]ObstacleEvent, len(s.obstacles))
	copy(obstacles, s.obstacles)

	rec := CompletionRecord{
		ID:                     uuid.New().String(),
		SessionID:              s.id,
		UserID:                 s.userID,
		TaskID:                 s.task.TaskID,
		ProjectID:              s.task.ProjectID,
		TaskTitle:              s.task.Title,
		EstimatedMinutes:       copyInt(s.task.EstimatedMinutes),
		ActualMinutes:          actualMinutes(focused),
		FocusedSeconds:         focused,
		Resistance:             s.task.Resistance,
		Complexity:             s.task.Complexity,
		Ratings:                ratings,
		Breakthroughs:          in.Breakthroughs,
		Obstacles:              obstacles,
		XP:                     Reward(FocusedMinutes(focused), s.task.Resistance, s.task.Complexity),
		CompletedWorkPhases:    s.workPhases,
		InitiationDelaySeconds: s.initiationDelay(),
		CompletedAt:            s.now().UTC(),
	}
	s.closed = true
	return rec, nil
}

// initiationDelay is the time between creating the session and pressing start.
// Caller must hold s.mu.
func (s *Session) initiationDelay() int {
	if s.startedAt.IsZero() {
		return 0
	}
	d := s.startedAt.Sub(s.createdAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Obstacles returns a copy of the obstacles reported so far.
func (s *Session) Obstacles() []ObstacleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ObstacleEvent, len(s.obstacles))
	copy(out, s.obstacles)
	return out
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID                     string          `json:"id"`
	UserID                 string          `json:"user_id"`
	TaskID                 string          `json:"task_id"`
	TaskTitle              string          `json:"task_title"`
	Phase                  Phase           `json:"phase"`
	RemainingSeconds       int             `json:"remaining_seconds"`
	PhaseSeconds           int             `json:"phase_seconds"`
	Running                bool            `json:"running"`
	FocusedSeconds         int             `json:"focused_seconds"`
	BreakSeconds           int             `json:"break_seconds"`
	CompletedWorkPhases    int             `json:"completed_work_phases"`
	ObstacleOpen           bool            `json:"obstacle_open"`
	Obstacles              []ObstacleEvent `json:"obstacles"`
	InitiationDelaySeconds int             `json:"initiation_delay_seconds"`
	Durations              Durations       `json:"durations"`
	CreatedAt              time.Time       `json:"created_at"`
	StartedAt              *time.Time      `json:"started_at,omitempty"`
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:                     s.id,
		UserID:                 s.userID,
		TaskID:                 s.task.TaskID,
		TaskTitle:              s.task.Title,
		Phase:                  s.phase,
		FocusedSeconds:         s.elapsed[PhaseActive],
		BreakSeconds:           s.elapsed[PhaseBreak] + s.elapsed[PhaseLongBreak],
		CompletedWorkPhases:    s.workPhases,
		ObstacleOpen:           s.obstacleOpen,
		Obstacles:              make([]ObstacleEvent, len(s.obstacles)),
		InitiationDelaySeconds: s.initiationDelay(),
		Durations:              s.durations,
		CreatedAt:              s.createdAt,
	}
	copy(snap.Obstacles, s.obstacles)
	if s.clock != nil {
		snap.RemainingSeconds = s.clock.Remaining()
		snap.PhaseSeconds = s.clock.Total()
		snap.Running = s.clock.Running()
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		snap.StartedAt = &started
	}
	return snap
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
