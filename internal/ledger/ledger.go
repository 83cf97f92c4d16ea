// Package ledger persists what focus sessions produce: obstacle events,
// completion records, and the XP and rank they earn. Writes that still fail
// after retries become dead letters and are replayed by the backfill loop.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/focus-engine/internal/focus"
	"github.com/p-blackswan/focus-engine/internal/notify"
	"github.com/p-blackswan/focus-engine/internal/rank"
	"github.com/p-blackswan/focus-engine/internal/retry"
	"github.com/p-blackswan/focus-engine/internal/store"
)

// Store is the subset of *store.Store the ledger writes through.
type Store interface {
	SaveObstacle(ctx context.Context, ev focus.ObstacleEvent, sc focus.SessionContext) error
	SaveCompletion(ctx context.Context, rec focus.CompletionRecord, rankFor func(xp int) string) (store.Profile, bool, error)
	SaveDeadLetter(ctx context.Context, dl *store.DeadLetter) error
	ListRetryable(ctx context.Context, limit int) ([]*store.DeadLetter, error)
	IncrementRetry(ctx context.Context, id string, nextRetryAt int64, errMsg string) error
	ResolveDeadLetter(ctx context.Context, id string) error
}

// Recorder receives ledger telemetry.
type Recorder interface {
	DeadLettered(kind string)
	Replayed(kind string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) DeadLettered(string)   {}
func (nopRecorder) Replayed(string, bool) {}

// Config tunes retries and dead-letter handling.
type Config struct {
	Retry retry.Config
	// DeadLetterTimeout bounds the dead-letter write, which runs after the
	// caller's context may already be spent.
	DeadLetterTimeout time.Duration
	// ReplayBase is the first replay delay; it doubles per failed replay up to ReplayMax.
	ReplayBase time.Duration
	ReplayMax  time.Duration
	// MaxReplays parks a letter for manual review after this many failures.
	MaxReplays int
	BatchSize  int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:             retry.DefaultConfig(),
		DeadLetterTimeout: 5 * time.Second,
		ReplayBase:        30 * time.Second,
		ReplayMax:         time.Hour,
		MaxReplays:        10,
		BatchSize:         50,
	}
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithRecorder attaches telemetry.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithNow overrides the clock used for replay scheduling.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger implements focus.ObstacleSink and focus.CompletionSink.
type Ledger struct {
	store    Store
	ranks    *rank.Table
	notifier notify.Notifier
	recorder Recorder
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger

	// held keeps dead letters that could not be written to the store.
	mu   sync.Mutex
	held []*store.DeadLetter
}

// New creates a ledger. notifier may be nil.
func New(s Store, ranks *rank.Table, notifier notify.Notifier, cfg Config, logger zerolog.Logger, opts ...Option) *Ledger {
	if ranks == nil {
		ranks = rank.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.DeadLetterTimeout <= 0 {
		cfg.DeadLetterTimeout = 5 * time.Second
	}
	l := &Ledger{
		store:    s,
		ranks:    ranks,
		notifier: notifier,
		recorder: nopRecorder{},
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "ledger").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// envelope is the dead-letter payload.
type envelope struct {
	Context    focus.SessionContext    `json:"context"`
	Obstacle   *focus.ObstacleEvent    `json:"obstacle,omitempty"`
	Completion *focus.CompletionRecord `json:"completion,omitempty"`
}

// RecordObstacle stores one obstacle. On failure the event is dead-lettered
// and the write error returned.
func (l *Ledger) RecordObstacle(ctx context.Context, ev focus.ObstacleEvent, sc focus.SessionContext) (string, error) {
	err := retry.Do(ctx, l.retryConfig(store.KindObstacle), func(ctx context.Context) error {
		return l.store.SaveObstacle(ctx, ev, sc)
	})
	if err != nil {
		l.deadLetter(store.KindObstacle, envelope{Context: sc, Obstacle: &ev}, err)
		return "", fmt.Errorf("record obstacle %s: %w", ev.ID, err)
	}
	return ev.ID, nil
}

// RecordCompletion stores rec, credits its XP, and announces it.
func (l *Ledger) RecordCompletion(ctx context.Context, rec focus.CompletionRecord, sc focus.SessionContext) error {
	if err := l.applyCompletion(ctx, rec); err != nil {
		l.deadLetter(store.KindCompletion, envelope{Context: sc, Completion: &rec}, err)
		return fmt.Errorf("record completion %s: %w", rec.ID, err)
	}
	return nil
}

func (l *Ledger) applyCompletion(ctx context.Context, rec focus.CompletionRecord) error {
	var (
		profile  store.Profile
		credited bool
	)
	err := retry.Do(ctx, l.retryConfig(store.KindCompletion), func(ctx context.Context) error {
		var err error
		profile, credited, err = l.store.SaveCompletion(ctx, rec, l.ranks.Name)
		return err
	})
	if err != nil {
		return err
	}
	if !credited {
		l.logger.Debug().Str("session_id", rec.SessionID).Msg("completion already recorded")
		return nil
	}

	l.logger.Info().
		Str("user_id", rec.UserID).
		Str("session_id", rec.SessionID).
		Int("xp", rec.XP).
		Int("total_xp", profile.XP).
		Str("rank", profile.Rank).
		Msg("completion recorded")

	l.announce(ctx, notify.Announcement{
		UserID:        rec.UserID,
		TaskTitle:     rec.TaskTitle,
		ActualMinutes: rec.ActualMinutes,
		XP:            rec.XP,
		TotalXP:       profile.XP,
		Rank:          profile.Rank,
		PreviousRank:  l.ranks.Name(profile.XP - rec.XP),
		Obstacles:     len(rec.Obstacles),
		Breakthroughs: rec.Breakthroughs,
	})
	return nil
}

func (l *Ledger) announce(ctx context.Context, a notify.Announcement) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(ctx, a); err != nil {
		l.logger.Warn().Err(err).Str("user_id", a.UserID).Msg("completion announcement failed")
	}
}

func (l *Ledger) retryConfig(kind string) retry.Config {
	cfg := l.cfg.Retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		l.logger.Debug().
			Err(err).
			Str("kind", kind).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying write")
	}
	return cfg
}

func (l *Ledger) deadLetter(kind string, env envelope, cause error) {
	payload, err := json.Marshal(env)
	if err != nil {
		l.logger.Error().Err(err).Str("kind", kind).Msg("dead letter marshal failed, dropping")
		return
	}

	dl := &store.DeadLetter{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     string(payload),
		Error:       cause.Error(),
		CreatedAt:   l.now().UnixMilli(),
		NextRetryAt: l.now().Add(l.cfg.ReplayBase).UnixMilli(),
	}
	l.recorder.DeadLettered(kind)

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DeadLetterTimeout)
	defer cancel()
	if err := l.store.SaveDeadLetter(ctx, dl); err != nil {
		l.mu.Lock()
		l.held = append(l.held, dl)
		l.mu.Unlock()
		l.logger.Error().Err(err).Str("kind", kind).Str("dead_letter_id", dl.ID).Msg("dead letter write failed, holding in memory")
		return
	}
	l.logger.Warn().Err(cause).Str("kind", kind).Str("dead_letter_id", dl.ID).Msg("write dead-lettered")
}

// Held returns the number of dead letters waiting in memory.
func (l *Ledger) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
