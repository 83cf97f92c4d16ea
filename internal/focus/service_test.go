package focus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
)

type stubLookup struct {
	tasks map[string]TaskInfo
}

func (l *stubLookup) LookupTask(_ context.Context, taskID string) (TaskInfo, error) {
	t, ok := l.tasks[taskID]
	if !ok {
		return TaskInfo{}, perrors.ErrNotFound
	}
	return t, nil
}

type recordingSink struct {
	mu          sync.Mutex
	obstacles   []ObstacleEvent
	completions []CompletionRecord
	contexts    []SessionContext
	err         error
}

func (r *recordingSink) RecordObstacle(_ context.Context, ev ObstacleEvent, sc SessionContext) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.obstacles = append(r.obstacles, ev)
	r.contexts = append(r.contexts, sc)
	return ev.ID, nil
}

func (r *recordingSink) RecordCompletion(_ context.Context, rec CompletionRecord, sc SessionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.completions = append(r.completions, rec)
	r.contexts = append(r.contexts, sc)
	return nil
}

type countingInstruments struct {
	mu       sync.Mutex
	created  int
	aborted  int
	xp       int
	failures map[string]int
	active   int
}

func (c *countingInstruments) SessionCreated()             { c.mu.Lock(); c.created++; c.mu.Unlock() }
func (c *countingInstruments) PhaseTransition(_, _ string) {}
func (c *countingInstruments) SessionCompleted(xp int)     { c.mu.Lock(); c.xp += xp; c.mu.Unlock() }
func (c *countingInstruments) SessionAborted()             { c.mu.Lock(); c.aborted++; c.mu.Unlock() }
func (c *countingInstruments) ObstacleReported(string)     {}
func (c *countingInstruments) ActiveSessions(n int)        { c.mu.Lock(); c.active = n; c.mu.Unlock() }
func (c *countingInstruments) PersistenceFailed(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = make(map[string]int)
	}
	c.failures[kind]++
}

func newTestService(t *testing.T, sink *recordingSink, opts ...ServiceOption) *Service {
	t.Helper()
	lookup := &stubLookup{tasks: map[string]TaskInfo{"task-1": testTask()}}
	cfg := ServiceConfig{
		Durations:      Durations{Work: 3 * time.Second, Break: 2 * time.Second, LongBreak: 4 * time.Second},
		TickInterval:   time.Hour,
		PersistTimeout: time.Second,
	}
	svc := NewService(cfg, lookup, sink, sink, zerolog.Nop(), opts...)
	t.Cleanup(svc.Close)
	return svc
}

func TestService_CreateAndGet(t *testing.T) {
	svc := newTestService(t, &recordingSink{})

	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	assert.Equal(t, PhasePriming, snap.Phase)
	assert.Equal(t, "task-1", snap.TaskID)
	assert.Equal(t, 3*time.Second, snap.Durations.Work)

	got, err := svc.Get("user-1", snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)

	cur, err := svc.Current("user-1")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, cur.ID)
	assert.Equal(t, 1, svc.Active())
}

func TestService_CreateValidation(t *testing.T) {
	svc := newTestService(t, &recordingSink{})

	_, err := svc.Create(context.Background(), "", "task-1", nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	_, err = svc.Create(context.Background(), "user-1", "", nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	_, err = svc.Create(context.Background(), "user-1", "missing", nil)
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	_, err = svc.Create(context.Background(), "user-1", "task-1", &Durations{Work: 0, Break: time.Second, LongBreak: time.Second})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
	assert.Equal(t, 0, svc.Active())
}

func TestService_OneOpenSessionPerUser(t *testing.T) {
	svc := newTestService(t, &recordingSink{})
	ctx := context.Background()

	first, err := svc.Create(ctx, "user-1", "task-1", nil)
	require.NoError(t, err)

	_, err = svc.Create(ctx, "user-1", "task-1", nil)
	assert.ErrorIs(t, err, perrors.ErrConflict)

	_, err = svc.Create(ctx, "user-2", "task-1", nil)
	assert.NoError(t, err)

	require.NoError(t, svc.Abort("user-1", first.ID))
	_, err = svc.Create(ctx, "user-1", "task-1", nil)
	assert.NoError(t, err)
}

func TestService_OtherUsersSessionIsNotFound(t *testing.T) {
	svc := newTestService(t, &recordingSink{})
	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)

	_, err = svc.Get("user-2", snap.ID)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	_, err = svc.Start("user-2", snap.ID)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	assert.ErrorIs(t, svc.Abort("user-2", snap.ID), perrors.ErrNotFound)
}

func TestService_ActionsFollowStateMachine(t *testing.T) {
	svc := newTestService(t, &recordingSink{})
	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	id := snap.ID

	_, err = svc.Pause("user-1", id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	snap, err = svc.Start("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, snap.Phase)
	assert.True(t, snap.Running)

	snap, err = svc.Pause("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, PhasePaused, snap.Phase)
	assert.False(t, snap.Running)

	snap, err = svc.Resume("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, snap.Phase)

	snap, err = svc.Reset("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.RemainingSeconds)

	_, err = svc.SkipBreak("user-1", id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	snap, err = svc.MarkCompleted("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompletionCapture, snap.Phase)
}

func TestService_RunnerDrivesPhases(t *testing.T) {
	lookup := &stubLookup{tasks: map[string]TaskInfo{"task-1": testTask()}}
	cfg := ServiceConfig{
		Durations:      Durations{Work: time.Second, Break: time.Hour, LongBreak: time.Hour},
		TickInterval:   5 * time.Millisecond,
		PersistTimeout: time.Second,
	}
	svc := NewService(cfg, lookup, nil, nil, zerolog.Nop())
	defer svc.Close()

	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	_, err = svc.Start("user-1", snap.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := svc.Get("user-1", snap.ID)
		return err == nil && s.Phase == PhaseBreak
	}, 2*time.Second, 5*time.Millisecond)

	s, err := svc.Get("user-1", snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.CompletedWorkPhases)
	assert.Equal(t, 1, s.FocusedSeconds)
}

func TestService_ReportObstacleIsPersisted(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(t, sink)
	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	_, err = svc.Start("user-1", snap.ID)
	require.NoError(t, err)

	_, err = svc.OpenObstacle("user-1", snap.ID)
	require.NoError(t, err)
	ev, err := svc.ReportObstacle("user-1", snap.ID, ObstacleReport{
		Description:    "inbox keeps pinging",
		EmotionalState: EmotionFrustrated,
		Frustration:    9,
	})
	require.NoError(t, err)
	assert.Equal(t, AdviceResetProtocol, ev.AdvisoryKind)

	svc.Wait()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.obstacles, 1)
	assert.Equal(t, ev.ID, sink.obstacles[0].ID)
	assert.Equal(t, SessionContext{SessionID: snap.ID, UserID: "user-1", TaskID: "task-1", ProjectID: "proj-1"}, sink.contexts[0])
}

func TestService_SubmitPersistsAndReleasesSession(t *testing.T) {
	sink := &recordingSink{}
	inst := &countingInstruments{}
	svc := newTestService(t, sink, WithInstruments(inst))
	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	_, err = svc.Start("user-1", snap.ID)
	require.NoError(t, err)

	_, err = svc.Submit("user-1", snap.ID, fullRatings())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.MarkCompleted("user-1", snap.ID)
	require.NoError(t, err)
	rec, err := svc.Submit("user-1", snap.ID, fullRatings())
	require.NoError(t, err)
	assert.Equal(t, snap.ID, rec.SessionID)

	svc.Wait()
	sink.mu.Lock()
	require.Len(t, sink.completions, 1)
	assert.Equal(t, rec.ID, sink.completions[0].ID)
	sink.mu.Unlock()

	_, err = svc.Get("user-1", snap.ID)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	assert.Equal(t, 0, svc.Active())

	inst.mu.Lock()
	assert.Equal(t, 1, inst.created)
	assert.Equal(t, 0, inst.active)
	inst.mu.Unlock()
}

func TestService_SubmitMissingRatingKeepsSession(t *testing.T) {
	svc := newTestService(t, &recordingSink{})
	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	_, err = svc.Start("user-1", snap.ID)
	require.NoError(t, err)
	_, err = svc.MarkCompleted("user-1", snap.ID)
	require.NoError(t, err)

	in := fullRatings()
	in.DopamineRating = nil
	_, err = svc.Submit("user-1", snap.ID, in)
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	got, err := svc.Get("user-1", snap.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompletionCapture, got.Phase)
}

func TestService_PersistenceFailureDoesNotRollBack(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	inst := &countingInstruments{}
	svc := newTestService(t, sink, WithInstruments(inst))
	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	_, err = svc.Start("user-1", snap.ID)
	require.NoError(t, err)

	_, err = svc.ReportObstacle("user-1", snap.ID, ObstacleReport{Description: "stuck", EmotionalState: EmotionTired, Frustration: 3})
	require.NoError(t, err)
	_, err = svc.MarkCompleted("user-1", snap.ID)
	require.NoError(t, err)
	rec, err := svc.Submit("user-1", snap.ID, fullRatings())
	require.NoError(t, err)
	assert.Len(t, rec.Obstacles, 1)

	svc.Wait()
	inst.mu.Lock()
	defer inst.mu.Unlock()
	assert.Equal(t, 1, inst.failures["obstacle"])
	assert.Equal(t, 1, inst.failures["completion"])
}

func TestService_AbortProducesNoRecord(t *testing.T) {
	sink := &recordingSink{}
	inst := &countingInstruments{}
	svc := newTestService(t, sink, WithInstruments(inst))
	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	_, err = svc.Start("user-1", snap.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Abort("user-1", snap.ID))
	svc.Wait()

	sink.mu.Lock()
	assert.Empty(t, sink.completions)
	sink.mu.Unlock()
	assert.Equal(t, 1, inst.aborted)

	assert.ErrorIs(t, svc.Abort("user-1", snap.ID), perrors.ErrNotFound)
}

// abortOnStart aborts the session from inside the priming to active
// transition, between the state change and the runner being attached.
type abortOnStart struct {
	nopInstruments
	svc    *Service
	userID string
	id     string
	err    error
}

func (a *abortOnStart) PhaseTransition(from, to string) {
	if from == string(PhasePriming) && to == string(PhaseActive) {
		a.err = a.svc.Abort(a.userID, a.id)
	}
}

func TestService_AbortDuringStartLeavesNoRunner(t *testing.T) {
	hook := &abortOnStart{userID: "user-1"}
	svc := newTestService(t, &recordingSink{}, WithInstruments(hook))
	hook.svc = svc

	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	hook.id = snap.ID

	svc.mu.Lock()
	l := svc.sessions[snap.ID]
	svc.mu.Unlock()
	require.NotNil(t, l)

	after, err := svc.Start("user-1", snap.ID)
	require.NoError(t, err)
	require.NoError(t, hook.err)
	assert.Equal(t, PhaseAborted, after.Phase)
	assert.Equal(t, 0, svc.Active())

	svc.mu.Lock()
	runner := l.runner
	svc.mu.Unlock()
	assert.Nil(t, runner, "no tick runner may outlive an aborted session")
}

func TestService_StartAttachesRunner(t *testing.T) {
	svc := newTestService(t, &recordingSink{})
	snap, err := svc.Create(context.Background(), "user-1", "task-1", nil)
	require.NoError(t, err)
	_, err = svc.Start("user-1", snap.ID)
	require.NoError(t, err)

	svc.mu.Lock()
	l := svc.sessions[snap.ID]
	runner := l.runner
	svc.mu.Unlock()
	assert.NotNil(t, runner)

	require.NoError(t, svc.Abort("user-1", snap.ID))
	assert.Nil(t, l.runner)
}
