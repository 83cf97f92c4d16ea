// Package health provides liveness and readiness checks for the focus engine.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Pinger is anything that can report reachability, such as *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	cache   map[string]Status
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		cache:   make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// PingCheck turns a Pinger into a check that is down when Ping fails.
func PingCheck(p Pinger, logger zerolog.Logger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("health ping failed")
			return StatusDown
		}
		return StatusOK
	}
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	for n, s := range results {
		if prev, ok := c.cache[n]; ok && prev != s {
			c.logger.Info().Str("check", n).Str("from", string(prev)).Str("to", string(s)).Msg("health changed")
		}
	}
	c.cache = results
	c.mu.Unlock()

	return results
}

// Last returns the results of the most recent run without running checks.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return ready(c.RunAll(ctx))
}

func ready(results map[string]Status) bool {
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

func readinessBody(results map[string]Status) (int, map[string]interface{}) {
	resp := map[string]interface{}{"checks": results}
	if ready(results) {
		resp["status"] = "ready"
		return http.StatusOK, resp
	}
	resp["status"] = "not_ready"
	return http.StatusServiceUnavailable, resp
}

// LivenessHandler returns an HTTP handler for /healthz (liveness).
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler returns an HTTP handler for /readyz (readiness).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, body := readinessBody(c.RunAll(r.Context()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(body)
	}
}

// FiberLiveness is LivenessHandler for fiber routers.
func FiberLiveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// FiberReadiness is ReadinessHandler for fiber routers.
func (c *Checker) FiberReadiness(ctx *fiber.Ctx) error {
	code, body := readinessBody(c.RunAll(ctx.UserContext()))
	return ctx.Status(code).JSON(body)
}
