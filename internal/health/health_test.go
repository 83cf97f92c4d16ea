package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestLivenessHandler(t *testing.T) {
	handler := LivenessHandler()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("sqlite", PingCheck(stubPinger{}, zerolog.Nop()))
	c.Register("ledger", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
	assert.Equal(t, StatusOK, c.Last()["sqlite"])
}

func TestChecker_PingFailureIsDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("sqlite", PingCheck(stubPinger{err: errors.New("database is closed")}, zerolog.Nop()))

	assert.False(t, c.IsReady(context.Background()))
	assert.Equal(t, StatusDown, c.Last()["sqlite"])
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("ledger", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
	assert.Empty(t, c.Last())
}

func TestReadinessHandler_Healthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("sqlite", func(ctx context.Context) Status { return StatusOK })

	handler := c.ReadinessHandler()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ready")
}

func TestReadinessHandler_NotReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("sqlite", func(ctx context.Context) Status { return StatusDown })

	handler := c.ReadinessHandler()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_ready")
}

func TestFiberHandlers(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("sqlite", func(ctx context.Context) Status { return StatusDown })

	app := fiber.New()
	app.Get("/healthz", FiberLiveness)
	app.Get("/readyz", c.FiberReadiness)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/readyz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
