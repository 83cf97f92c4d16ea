package focus

// Clock is a per-phase countdown measured in whole seconds.
//
// It never goes below zero and reports expiry exactly once. A stopped clock
// ignores every further call; the session replaces it rather than reusing it.
type Clock struct {
	total     int
	remaining int
	running   bool
	fired     bool
	stopped   bool
}

// NewClock returns a paused clock holding seconds.
func NewClock(seconds int) *Clock {
	if seconds < 0 {
		seconds = 0
	}
	return &Clock{total: seconds, remaining: seconds}
}

// Start lets ticks decrement the clock. Starting an expired clock is a no-op.
func (c *Clock) Start() {
	if c.stopped || c.remaining == 0 {
		return
	}
	c.running = true
}

// Pause halts decrementing without touching the remaining time.
func (c *Clock) Pause() {
	c.running = false
}

// Reset sets remaining time back to seconds and re-arms expiry.
// The running flag is left as it was.
func (c *Clock) Reset(seconds int) {
	if c.stopped {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	c.total = seconds
	c.remaining = seconds
	c.fired = false
	if seconds == 0 {
		c.running = false
	}
}

// Stop retires the clock for good.
func (c *Clock) Stop() {
	c.running = false
	c.stopped = true
}

// Tick advances the clock by one second. It returns true only on the tick
// that brings the clock to zero; ticks while paused or expired do nothing.
func (c *Clock) Tick() bool {
	if !c.running || c.stopped || c.remaining == 0 {
		return false
	}
	c.remaining--
	if c.remaining > 0 {
		return false
	}
	c.running = false
	if c.fired {
		return false
	}
	c.fired = true
	return true
}

// Remaining returns the seconds left in the phase.
func (c *Clock) Remaining() int { return c.remaining }

// Total returns the seconds the clock was last armed with.
func (c *Clock) Total() int { return c.total }

// Elapsed returns seconds consumed since the last arm.
func (c *Clock) Elapsed() int { return c.total - c.remaining }

// Running reports whether ticks currently decrement the clock.
func (c *Clock) Running() bool { return c.running }

// Expired reports whether the clock has fired.
func (c *Clock) Expired() bool { return c.fired }
