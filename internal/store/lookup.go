package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/focus-engine/internal/cache"
	"github.com/p-blackswan/focus-engine/internal/focus"
)

// TaskDirectory answers task lookups from a bounded cache in front of the
// store. Entries expire so admin edits to scores show up without a restart.
type TaskDirectory struct {
	store  *Store
	cache  *cache.Cache[string, focus.TaskInfo]
	logger zerolog.Logger
}

// NewTaskDirectory wraps s with a cache of size entries living for ttl.
func NewTaskDirectory(s *Store, size int, ttl time.Duration, logger zerolog.Logger) *TaskDirectory {
	return &TaskDirectory{
		store:  s,
		cache:  cache.New[string, focus.TaskInfo](size, ttl),
		logger: logger.With().Str("component", "task_directory").Logger(),
	}
}

// LookupTask implements focus.TaskLookup.
func (d *TaskDirectory) LookupTask(ctx context.Context, taskID string) (focus.TaskInfo, error) {
	if info, ok := d.cache.Get(taskID); ok {
		return info, nil
	}
	info, err := d.store.LookupTask(ctx, taskID)
	if err != nil {
		return focus.TaskInfo{}, err
	}
	d.cache.Put(taskID, info)
	return info, nil
}

// Invalidate drops a cached task after it was edited.
func (d *TaskDirectory) Invalidate(taskID string) {
	d.cache.Delete(taskID)
}

// InvalidateAll drops every cached task, used after a project's scores change.
func (d *TaskDirectory) InvalidateAll() {
	d.cache.Purge()
	d.logger.Debug().Msg("task cache purged")
}

// CacheStats reports lookup hits, misses and the number of cached tasks.
func (d *TaskDirectory) CacheStats() (hits, misses uint64, size int) {
	hits, misses = d.cache.Stats()
	return hits, misses, d.cache.Len()
}
