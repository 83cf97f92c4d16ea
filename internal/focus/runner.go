package focus

import (
	"context"
	"sync"
	"time"
)

// Runner delivers real-time ticks to a session. Each live session owns at
// most one Runner; stopping it is synchronous, so no tick lands after Stop returns.
type Runner struct {
	interval time.Duration
	tick     func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewRunner returns a runner that calls tick every interval once started.
func NewRunner(interval time.Duration, tick func()) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{interval: interval, tick: tick}
}

// Start launches the tick loop. Calling Start twice, or after Stop, is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.stopped {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A stop may race with the ticker; prefer the stop.
			if ctx.Err() != nil {
				return
			}
			r.tick()
		}
	}
}

// Stop cancels the loop and waits for it to exit. Must not be called from
// inside the tick function.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
