package focus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunner_TicksUntilStopped(t *testing.T) {
	var n atomic.Int64
	r := NewRunner(time.Millisecond, func() { n.Add(1) })
	r.Start(context.Background())

	assert.Eventually(t, func() bool { return n.Load() >= 5 }, time.Second, time.Millisecond)

	r.Stop()
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, n.Load(), "no ticks after Stop returns")
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	r := NewRunner(time.Millisecond, func() {})
	r.Stop() // never started
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	var n atomic.Int64
	r2 := NewRunner(time.Millisecond, func() { n.Add(1) })
	r2.Stop()
	r2.Start(context.Background()) // start after stop is ignored
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestRunner_ParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int64
	r := NewRunner(time.Millisecond, func() { n.Add(1) })
	r.Start(ctx)
	assert.Eventually(t, func() bool { return n.Load() > 0 }, time.Second, time.Millisecond)

	cancel()
	r.Stop()
	after := n.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestRunner_DrivesSession(t *testing.T) {
	s, _ := newTestSession(t, Durations{Work: 3 * time.Second, Break: time.Hour, LongBreak: time.Hour})
	_, _ = s.Start()

	r := NewRunner(time.Millisecond, func() { s.Tick() })
	r.Start(context.Background())
	defer r.Stop()

	assert.Eventually(t, func() bool { return s.Phase() == PhaseBreak }, time.Second, time.Millisecond)
}
