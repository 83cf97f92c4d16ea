package focus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
)

// TaskLookup resolves a task and the difficulty scores of its project.
type TaskLookup interface {
	LookupTask(ctx context.Context, taskID string) (TaskInfo, error)
}

// SessionContext identifies the session an obstacle or record came from.
type SessionContext struct {
	SessionID string
	UserID    string
	TaskID    string
	ProjectID string
}

// ObstacleSink persists one obstacle at the moment it is reported.
type ObstacleSink interface {
	RecordObstacle(ctx context.Context, ev ObstacleEvent, sc SessionContext) (string, error)
}

// CompletionSink persists a finished session and credits its reward.
type CompletionSink interface {
	RecordCompletion(ctx context.Context, rec CompletionRecord, sc SessionContext) error
}

// Instruments receives engine telemetry. Labels are plain strings so the
// metrics package does not depend on this one.
type Instruments interface {
	SessionCreated()
	PhaseTransition(from, to string)
	SessionCompleted(xp int)
	SessionAborted()
	ObstacleReported(emotionalState string)
	PersistenceFailed(kind string)
	ActiveSessions(n int)
}

type nopInstruments struct{}

func (nopInstruments) SessionCreated()             {}
func (nopInstruments) PhaseTransition(_, _ string) {}
func (nopInstruments) SessionCompleted(int)        {}
func (nopInstruments) SessionAborted()             {}
func (nopInstruments) ObstacleReported(string)     {}
func (nopInstruments) PersistenceFailed(string)    {}
func (nopInstruments) ActiveSessions(int)          {}

// ServiceConfig holds engine-wide settings.
type ServiceConfig struct {
	Durations      Durations
	TickInterval   time.Duration
	PersistTimeout time.Duration
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithInstruments attaches a telemetry receiver.
func WithInstruments(i Instruments) ServiceOption {
	return func(s *Service) {
		if i != nil {
			s.inst = i
		}
	}
}

// WithSessionOptions applies opts to every session the service creates.
func WithSessionOptions(opts ...Option) ServiceOption {
	return func(s *Service) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

type liveSession struct {
	session *Session
	runner  *Runner
}

// Service owns the live sessions of this process: at most one open session
// per user, each with its own tick runner. Persistence is dispatched in the
// background and never blocks or rolls back an action.
type Service struct {
	cfg         ServiceConfig
	lookup      TaskLookup
	obstacles   ObstacleSink
	completions CompletionSink
	inst        Instruments
	sessionOpts []Option
	logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	byUser   map[string]string

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewService creates a session service.
func NewService(cfg ServiceConfig, lookup TaskLookup, obstacles ObstacleSink, completions CompletionSink, logger zerolog.Logger, opts ...ServiceOption) *Service {
	if cfg.Durations == (Durations{}) {
		cfg.Durations = DefaultDurations()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		cfg:         cfg,
		lookup:      lookup,
		obstacles:   obstacles,
		completions: completions,
		inst:        nopInstruments{},
		logger:      logger.With().Str("component", "focus_service").Logger(),
		sessions:    make(map[string]*liveSession),
		byUser:      make(map[string]string),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Create looks up the task and opens a session in priming. A nil d uses the
// configured defaults.
func (svc *Service) Create(ctx context.Context, userID, taskID string, d *Durations) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, perrors.Invalid("user_id", "is required")
	}
	if taskID == "" {
		return Snapshot{}, perrors.Invalid("task_id", "is required")
	}
	if id, ok := svc.openSessionID(userID); ok {
		return Snapshot{}, fmt.Errorf("session %s is still open: %w", id, perrors.ErrConflict)
	}

	task, err := svc.lookup.LookupTask(ctx, taskID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("lookup task %s: %w", taskID, err)
	}

	durations := svc.cfg.Durations
	if d != nil {
		durations = *d
	}
	s, err := NewSession(userID, task, durations, svc.sessionOpts...)
	if err != nil {
		return Snapshot{}, err
	}

	svc.mu.Lock()
	if id, ok := svc.byUser[userID]; ok {
		svc.mu.Unlock()
		return Snapshot{}, fmt.Errorf("session %s is still open: %w", id, perrors.ErrConflict)
	}
	svc.sessions[s.ID()] = &liveSession{session: s}
	svc.byUser[userID] = s.ID()
	active := len(svc.sessions)
	svc.mu.Unlock()

	svc.inst.SessionCreated()
	svc.inst.ActiveSessions(active)
	svc.logger.Info().
		Str("session_id", s.ID()).
		Str("user_id", userID).
		Str("task_id", taskID).
		Int("resistance", task.Resistance).
		Int("complexity", task.Complexity).
		Msg("session created")

	return s.Snapshot(), nil
}

func (svc *Service) openSessionID(userID string) (string, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	id, ok := svc.byUser[userID]
	return id, ok
}

func (svc *Service) get(userID, sessionID string) (*liveSession, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	l, ok := svc.sessions[sessionID]
	if !ok || l.session.UserID() != userID {
		return nil, fmt.Errorf("session %s: %w", sessionID, perrors.ErrNotFound)
	}
	return l, nil
}

// Get returns a snapshot of one of the user's sessions.
func (svc *Service) Get(userID, sessionID string) (Snapshot, error) {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return l.session.Snapshot(), nil
}

// Current returns the user's open session, if any.
func (svc *Service) Current(userID string) (Snapshot, error) {
	id, ok := svc.openSessionID(userID)
	if !ok {
		return Snapshot{}, fmt.Errorf("no open session for user %s: %w", userID, perrors.ErrNotFound)
	}
	return svc.Get(userID, id)
}

// Start begins the first work phase and the session's tick runner.
func (svc *Service) Start(userID, sessionID string) (Snapshot, error) {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	tr, err := l.session.Start()
	if err != nil {
		return Snapshot{}, err
	}
	svc.logTransition(tr)

	s := l.session
	svc.mu.Lock()
	// An abort or completion may have landed since s.Start returned. remove
	// only stops a runner it can see, so attach under svc.mu or not at all.
	if svc.sessions[sessionID] == l && l.runner == nil && !s.Closed() && s.Phase().Timed() {
		l.runner = NewRunner(svc.cfg.TickInterval, func() { svc.tick(s) })
		l.runner.Start(svc.ctx)
	}
	svc.mu.Unlock()

	return s.Snapshot(), nil
}

func (svc *Service) tick(s *Session) {
	if tr, ok := s.Tick(); ok {
		svc.logTransition(tr)
	}
}

// Pause halts the work clock.
func (svc *Service) Pause(userID, sessionID string) (Snapshot, error) {
	return svc.act(userID, sessionID, (*Session).Pause)
}

// Resume continues a paused work clock.
func (svc *Service) Resume(userID, sessionID string) (Snapshot, error) {
	return svc.act(userID, sessionID, (*Session).Resume)
}

// SkipBreak ends the current break early.
func (svc *Service) SkipBreak(userID, sessionID string) (Snapshot, error) {
	return svc.act(userID, sessionID, (*Session).SkipBreak)
}

// MarkCompleted enters completion capture and stops the tick runner.
func (svc *Service) MarkCompleted(userID, sessionID string) (Snapshot, error) {
	snap, err := svc.act(userID, sessionID, (*Session).MarkCompleted)
	if err != nil {
		return snap, err
	}
	if l, err := svc.get(userID, sessionID); err == nil {
		svc.stopRunner(l)
	}
	return snap, nil
}

// Reset rearms the current phase's clock.
func (svc *Service) Reset(userID, sessionID string) (Snapshot, error) {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := l.session.Reset(); err != nil {
		return Snapshot{}, err
	}
	svc.logger.Debug().Str("session_id", sessionID).Msg("phase clock reset")
	return l.session.Snapshot(), nil
}

func (svc *Service) act(userID, sessionID string, fn func(*Session) (Transition, error)) (Snapshot, error) {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	tr, err := fn(l.session)
	if err != nil {
		return Snapshot{}, err
	}
	svc.logTransition(tr)
	return l.session.Snapshot(), nil
}

// OpenObstacle opens the obstacle form without pausing the clock.
func (svc *Service) OpenObstacle(userID, sessionID string) (Snapshot, error) {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := l.session.OpenObstacle(); err != nil {
		return Snapshot{}, err
	}
	return l.session.Snapshot(), nil
}

// CancelObstacle closes an open obstacle form.
func (svc *Service) CancelObstacle(userID, sessionID string) (Snapshot, error) {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := l.session.CancelObstacle(); err != nil {
		return Snapshot{}, err
	}
	return l.session.Snapshot(), nil
}

// ReportObstacle records an obstacle and persists it in the background.
// A persistence failure is logged; the event stays on the session either way.
func (svc *Service) ReportObstacle(userID, sessionID string, r ObstacleReport) (ObstacleEvent, error) {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return ObstacleEvent{}, err
	}
	ev, err := l.session.ReportObstacle(r)
	if err != nil {
		return ObstacleEvent{}, err
	}
	svc.inst.ObstacleReported(string(ev.EmotionalState))
	svc.logger.Info().
		Str("session_id", sessionID).
		Str("obstacle_id", ev.ID).
		Str("emotional_state", string(ev.EmotionalState)).
		Int("frustration", ev.Frustration).
		Str("advice", string(ev.AdvisoryKind)).
		Msg("obstacle reported")

	if svc.obstacles != nil {
		sc := contextOf(l.session)
		svc.dispatch("obstacle", sessionID, func(ctx context.Context) error {
			ref, err := svc.obstacles.RecordObstacle(ctx, ev, sc)
			if err == nil {
				svc.logger.Debug().Str("obstacle_id", ev.ID).Str("ref", ref).Msg("obstacle persisted")
			}
			return err
		})
	}
	return ev, nil
}

// Submit finalizes the session. The record is returned to the caller and
// handed to completion persistence; the session leaves memory.
func (svc *Service) Submit(userID, sessionID string, in CompletionInput) (CompletionRecord, error) {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return CompletionRecord{}, err
	}
	rec, err := l.session.Submit(in)
	if err != nil {
		return CompletionRecord{}, err
	}
	svc.remove(l)
	svc.inst.SessionCompleted(rec.XP)
	svc.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("actual_minutes", rec.ActualMinutes).
		Int("xp", rec.XP).
		Int("obstacles", len(rec.Obstacles)).
		Msg("session completed")

	if svc.completions != nil {
		sc := contextOf(l.session)
		svc.dispatch("completion", sessionID, func(ctx context.Context) error {
			return svc.completions.RecordCompletion(ctx, rec, sc)
		})
	}
	return rec, nil
}

// Abort discards the session without producing a record.
func (svc *Service) Abort(userID, sessionID string) error {
	l, err := svc.get(userID, sessionID)
	if err != nil {
		return err
	}
	tr, err := l.session.Abort()
	if err != nil {
		return err
	}
	svc.remove(l)
	svc.inst.SessionAborted()
	svc.logTransition(tr)
	return nil
}

// Active returns the number of sessions held in memory.
func (svc *Service) Active() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.sessions)
}

// Wait blocks until background persistence calls have finished.
func (svc *Service) Wait() {
	svc.inflight.Wait()
}

// Close stops every tick runner and waits for in-flight persistence.
func (svc *Service) Close() {
	svc.cancel()

	svc.mu.Lock()
	runners := make([]*Runner, 0, len(svc.sessions))
	for _, l := range svc.sessions {
		if l.runner != nil {
			runners = append(runners, l.runner)
		}
	}
	svc.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
	svc.inflight.Wait()
	svc.logger.Info().Int("open_sessions", len(runners)).Msg("focus service stopped")
}

func (svc *Service) remove(l *liveSession) {
	svc.mu.Lock()
	id := l.session.ID()
	delete(svc.sessions, id)
	if svc.byUser[l.session.UserID()] == id {
		delete(svc.byUser, l.session.UserID())
	}
	active := len(svc.sessions)
	svc.mu.Unlock()

	svc.stopRunner(l)
	svc.inst.ActiveSessions(active)
}

func (svc *Service) stopRunner(l *liveSession) {
	svc.mu.Lock()
	r := l.runner
	l.runner = nil
	svc.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

func (svc *Service) dispatch(kind, sessionID string, fn func(ctx context.Context) error) {
	svc.inflight.Add(1)
	go func() {
		defer svc.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), svc.cfg.PersistTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			svc.inst.PersistenceFailed(kind)
			svc.logger.Warn().
				Err(err).
				Str("kind", kind).
				Str("session_id", sessionID).
				Msg("persistence failed, keeping local state")
		}
	}()
}

func (svc *Service) logTransition(tr Transition) {
	if !tr.Changed() {
		return
	}
	svc.inst.PhaseTransition(string(tr.From), string(tr.To))
	svc.logger.Info().
		Str("session_id", tr.SessionID).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("action", string(tr.Action)).
		Msg("phase transition")
}

func contextOf(s *Session) SessionContext {
	t := s.Task()
	return SessionContext{
		SessionID: s.ID(),
		UserID:    s.UserID(),
		TaskID:    t.TaskID,
		ProjectID: t.ProjectID,
	}
}
