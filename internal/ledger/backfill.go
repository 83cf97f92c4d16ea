package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/p-blackswan/focus-engine/internal/store"
)

// Backfill replays dead letters once: held letters are flushed to the
// store, then due letters are applied. It returns how many were applied.
func (l *Ledger) Backfill(ctx context.Context) (int, error) {
	l.flushHeld(ctx)

	due, err := l.store.ListRetryable(ctx, l.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	applied := 0
	for _, dl := range due {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		if err := l.replay(ctx, dl); err != nil {
			l.recorder.Replayed(dl.Kind, false)
			l.reschedule(ctx, dl, err)
			continue
		}
		if err := l.store.ResolveDeadLetter(ctx, dl.ID); err != nil {
			l.logger.Warn().Err(err).Str("dead_letter_id", dl.ID).Msg("resolve failed; replay is idempotent")
			continue
		}
		l.recorder.Replayed(dl.Kind, true)
		applied++
	}

	if applied > 0 {
		l.logger.Info().Int("applied", applied).Int("due", len(due)).Msg("backfill pass complete")
	}
	return applied, nil
}

// RunBackfill calls Backfill every interval until ctx is done.
func (l *Ledger) RunBackfill(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", interval).Msg("backfill loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("backfill loop stopped")
			return
		case <-ticker.C:
			if _, err := l.Backfill(ctx); err != nil && ctx.Err() == nil {
				l.logger.Error().Err(err).Msg("backfill pass failed")
			}
		}
	}
}

func (l *Ledger) replay(ctx context.Context, dl *store.DeadLetter) error {
	var env envelope
	if err := json.Unmarshal([]byte(dl.Payload), &env); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch dl.Kind {
	case store.KindObstacle:
		if env.Obstacle == nil {
			return fmt.Errorf("obstacle payload missing")
		}
		return l.store.SaveObstacle(ctx, *env.Obstacle, env.Context)
	case store.KindCompletion:
		if env.Completion == nil {
			return fmt.Errorf("completion payload missing")
		}
		return l.applyCompletion(ctx, *env.Completion)
	default:
		return fmt.Errorf("unknown dead letter kind %q", dl.Kind)
	}
}

func (l *Ledger) reschedule(ctx context.Context, dl *store.DeadLetter, cause error) {
	var next int64
	if dl.RetryCount+1 < l.cfg.MaxReplays {
		next = l.now().Add(l.replayDelay(dl.RetryCount + 1)).UnixMilli()
	}
	if err := l.store.IncrementRetry(ctx, dl.ID, next, cause.Error()); err != nil {
		l.logger.Error().Err(err).Str("dead_letter_id", dl.ID).Msg("reschedule failed")
		return
	}
	ev := l.logger.Warn().Err(cause).Str("dead_letter_id", dl.ID).Str("kind", dl.Kind).Int("replays", dl.RetryCount+1)
	if next == 0 {
		ev.Msg("dead letter parked for manual review")
		return
	}
	ev.Msg("replay failed, rescheduled")
}

func (l *Ledger) replayDelay(n int) time.Duration {
	d := l.cfg.ReplayBase
	for i := 0; i < n && d < l.cfg.ReplayMax; i++ {
		d *= 2
	}
	if l.cfg.ReplayMax > 0 && d > l.cfg.ReplayMax {
		d = l.cfg.ReplayMax
	}
	return d
}

func (l *Ledger) flushHeld(ctx context.Context) {
	l.mu.Lock()
	held := l.held
	l.held = nil
	l.mu.Unlock()

	var keep []*store.DeadLetter
	for _, dl := range held {
		if err := l.store.SaveDeadLetter(ctx, dl); err != nil {
			keep = append(keep, dl)
		}
	}
	if len(keep) > 0 {
		l.mu.Lock()
		l.held = append(keep, l.held...)
		l.mu.Unlock()
		l.logger.Warn().Int("held", len(keep)).Msg("dead letters still held in memory")
	}
}
