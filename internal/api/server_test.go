package api

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/focus-engine/internal/focus"
	"github.com/p-blackswan/focus-engine/internal/health"
	"github.com/p-blackswan/focus-engine/internal/ledger"
	"github.com/p-blackswan/focus-engine/internal/metrics"
	"github.com/p-blackswan/focus-engine/internal/notify"
	"github.com/p-blackswan/focus-engine/internal/rank"
	"github.com/p-blackswan/focus-engine/internal/store"
)

const (
	testKey    = "test-key"
	testSecret = "test-secret"
)

type testEnv struct {
	app   *fiber.App
	svc   *focus.Service
	store *store.Store
}

// testApp wires the API over a real store, ledger and session service.
func testApp(t *testing.T, auth AuthConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.New(filepath.Join(t.TempDir(), "focus.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ranks := rank.Default()
	m := metrics.New()
	led := ledger.New(st, ranks, notify.NewLogNotifier(logger), ledger.DefaultConfig(), logger,
		ledger.WithRecorder(m))
	dir := store.NewTaskDirectory(st, 16, time.Minute, logger)
	m.WatchTaskCache(dir)

	svc := focus.NewService(focus.ServiceConfig{
		Durations:    focus.DefaultDurations(),
		TickInterval: time.Hour,
	}, dir, led, led, logger, focus.WithInstruments(m))
	t.Cleanup(svc.Close)

	checker := health.NewChecker(logger)
	checker.Register("sqlite", health.PingCheck(st, logger))

	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		AuthConfig: auth,
		RateLimit:  RateLimitConfig{RPS: 100, Burst: 200},
	}, Deps{
		Service:   svc,
		Store:     st,
		Directory: dir,
		Ranks:     ranks,
		Checker:   checker,
		Metrics:   m,
	}, logger)
	t.Cleanup(func() { srv.Shutdown() })

	return &testEnv{app: srv.App(), svc: svc, store: st}
}

func noAuth() AuthConfig { return AuthConfig{Mode: AuthNone} }

func (e *testEnv) do(t *testing.T, method, path, user, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	resp := e.do(t, "PUT", "/api/v1/projects/p1", "", `{"name":"Thesis","resistance":7,"complexity":4}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, "PUT", "/api/v1/tasks/t1", "", `{"project_id":"p1","title":"Write intro","estimated_minutes":25}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (e *testEnv) createSession(t *testing.T, user string) SessionResponse {
	t.Helper()
	resp := e.do(t, "POST", "/api/v1/sessions", user, `{"task_id":"t1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[SessionResponse](t, resp)
}

func TestServer_HealthzEndpoint(t *testing.T) {
	env := testApp(t, noAuth())

	resp := env.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ReadyzEndpoint(t *testing.T) {
	env := testApp(t, noAuth())

	resp := env.do(t, "GET", "/readyz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)

	resp := env.do(t, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "focus_api_requests_total")
}

func TestServer_RequestIDPropagated(t *testing.T) {
	env := testApp(t, noAuth())

	req, _ := http.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "edge-7")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "edge-7", resp.Header.Get("X-Request-ID"))

	resp = env.do(t, "GET", "/healthz", "", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_SessionLifecycle(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)

	snap := env.createSession(t, "alice")
	assert.Equal(t, focus.PhasePriming, snap.Phase)
	assert.Equal(t, "Write intro", snap.TaskTitle)
	assert.Equal(t, 25*60, snap.Durations.WorkSeconds)
	assert.Equal(t, 5*60, snap.Durations.BreakSeconds)

	base := "/api/v1/sessions/" + snap.ID

	resp := env.do(t, "GET", "/api/v1/sessions/current", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, snap.ID, decode[SessionResponse](t, resp).ID)

	resp = env.do(t, "POST", base+"/start", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, focus.PhaseActive, decode[SessionResponse](t, resp).Phase)

	resp = env.do(t, "POST", base+"/pause", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, focus.PhasePaused, decode[SessionResponse](t, resp).Phase)

	resp = env.do(t, "POST", base+"/resume", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "POST", base+"/obstacle/open", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[SessionResponse](t, resp).ObstacleOpen)

	resp = env.do(t, "POST", base+"/obstacles", "alice",
		`{"description":"blank page","emotional_state":"overwhelmed","frustration_level":8}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ev := decode[focus.ObstacleEvent](t, resp)
	assert.Equal(t, focus.EmotionOverwhelmed, ev.EmotionalState)
	assert.NotEmpty(t, ev.Advisory)

	resp = env.do(t, "POST", base+"/complete", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, focus.PhaseCompletionCapture, decode[SessionResponse](t, resp).Phase)

	resp = env.do(t, "POST", base+"/completion", "alice",
		`{"motivation_before":3,"motivation_after":7,"dopamine_rating":6,"next_task_motivation":8,"breakthroughs":"outline done"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[focus.CompletionRecord](t, resp)
	assert.Equal(t, snap.ID, rec.SessionID)
	assert.Equal(t, 7, rec.Resistance)
	assert.Len(t, rec.Obstacles, 1)

	env.svc.Wait()

	resp = env.do(t, "GET", "/api/v1/sessions/current", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, "GET", "/api/v1/profile", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prof := decode[ProfileResponse](t, resp)
	assert.Equal(t, 1, prof.Sessions)
	assert.Equal(t, rec.XP, prof.XP)

	resp = env.do(t, "GET", "/api/v1/completions?limit=5", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListResponse[store.Completion]](t, resp)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, 1, list.Items[0].ObstacleCount)
}

func TestServer_ListObstacles(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)

	snap := env.createSession(t, "alice")
	base := "/api/v1/sessions/" + snap.ID
	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/start", "alice", "").StatusCode)
	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/obstacle/open", "alice", "").StatusCode)
	resp := env.do(t, "POST", base+"/obstacles", "alice",
		`{"description":"inbox","emotional_state":"bored","frustration_level":3}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ev := decode[focus.ObstacleEvent](t, resp)

	env.svc.Wait()

	resp = env.do(t, "GET", base+"/obstacles", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListResponse[focus.ObstacleEvent]](t, resp)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, ev.ID, list.Items[0].ID)
	assert.Equal(t, focus.EmotionBored, list.Items[0].EmotionalState)

	// Another user sees nothing, and still gets an empty list rather than null.
	resp = env.do(t, "GET", base+"/obstacles", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[],"total":0}`, string(body))
}

func TestServer_ReconcileProfile(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)

	snap := env.createSession(t, "alice")
	base := "/api/v1/sessions/" + snap.ID
	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/start", "alice", "").StatusCode)
	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/complete", "alice", "").StatusCode)
	resp := env.do(t, "POST", base+"/completion", "alice",
		`{"motivation_before":4,"motivation_after":6,"dopamine_rating":5,"next_task_motivation":5}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[focus.CompletionRecord](t, resp)
	env.svc.Wait()

	resp = env.do(t, "POST", "/api/v1/profiles/alice/reconcile", "ops", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prof := decode[ProfileResponse](t, resp)
	assert.Equal(t, "alice", prof.UserID)
	assert.Equal(t, rec.XP, prof.XP)
	assert.Equal(t, 1, prof.Sessions)

	// A user with no completions reconciles to an empty profile.
	resp = env.do(t, "POST", "/api/v1/profiles/nobody/reconcile", "ops", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prof = decode[ProfileResponse](t, resp)
	assert.Zero(t, prof.XP)
	assert.Zero(t, prof.Sessions)
}

func TestServer_MetricsReportTaskCache(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)
	env.createSession(t, "alice")

	resp := env.do(t, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "focus_task_cache_misses_total 1")
	assert.Contains(t, string(body), "focus_task_cache_entries 1")
}

func TestServer_DurationOverrides(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)

	resp := env.do(t, "POST", "/api/v1/sessions", "bob", `{"task_id":"t1","work_seconds":600}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := decode[SessionResponse](t, resp)
	assert.Equal(t, 600, snap.Durations.WorkSeconds)
	assert.Equal(t, 5*60, snap.Durations.BreakSeconds)

	resp = env.do(t, "POST", "/api/v1/sessions", "carol", `{"task_id":"t1","work_seconds":-1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Large enough to wrap time.Duration back into a valid range.
	resp = env.do(t, "POST", "/api/v1/sessions", "carol", `{"task_id":"t1","break_seconds":18446744074}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "break_seconds", decode[ProblemDetail](t, resp).Field)

	resp = env.do(t, "POST", "/api/v1/sessions", "carol", `{"task_id":"t1","work_seconds":86401}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "work_seconds", decode[ProblemDetail](t, resp).Field)

	_, err := env.svc.Current("carol")
	assert.Error(t, err, "rejected overrides must not open a session")
}

func TestServer_ErrorMapping(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)

	// Missing task id.
	resp := env.do(t, "POST", "/api/v1/sessions", "alice", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	prob := decode[ProblemDetail](t, resp)
	assert.Equal(t, "validation_failed", prob.Type)
	assert.Equal(t, "task_id", prob.Field)

	// Unknown task.
	resp = env.do(t, "POST", "/api/v1/sessions", "alice", `{"task_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	snap := env.createSession(t, "alice")
	base := "/api/v1/sessions/" + snap.ID

	// One open session per user.
	resp = env.do(t, "POST", "/api/v1/sessions", "alice", `{"task_id":"t1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Pause is not valid from priming.
	resp = env.do(t, "POST", base+"/pause", "alice", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", decode[ProblemDetail](t, resp).Type)

	// Another user cannot see the session.
	resp = env.do(t, "GET", base, "mallory", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Malformed body.
	resp = env.do(t, "POST", base+"/obstacles", "alice", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing user identity.
	resp = env.do(t, "GET", base, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_user", decode[ProblemDetail](t, resp).Type)
}

func TestServer_AbortSession(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)

	snap := env.createSession(t, "alice")
	resp := env.do(t, "DELETE", "/api/v1/sessions/"+snap.ID, "alice", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.svc.Wait()
	resp = env.do(t, "GET", "/api/v1/completions", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[ListResponse[store.Completion]](t, resp).Total)

	// A new session may be opened after aborting.
	env.createSession(t, "alice")
}

func TestServer_ProfileDefaultsForNewUser(t *testing.T) {
	env := testApp(t, noAuth())

	resp := env.do(t, "GET", "/api/v1/profile", "newbie", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prof := decode[ProfileResponse](t, resp)
	assert.Equal(t, "newbie", prof.UserID)
	assert.Equal(t, 0, prof.XP)
	assert.Equal(t, "Novice", prof.Rank)
	require.NotNil(t, prof.NextRank)
	assert.Equal(t, "Apprentice", prof.NextRank.Name)
	assert.Equal(t, 250, prof.XPToNext)
}

func TestServer_ListRanks(t *testing.T) {
	env := testApp(t, noAuth())

	resp := env.do(t, "GET", "/api/v1/ranks", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListResponse[rank.Rank]](t, resp)
	assert.Equal(t, len(rank.Default().Ranks()), list.Total)
}

func TestServer_ProjectAndTaskValidation(t *testing.T) {
	env := testApp(t, noAuth())

	resp := env.do(t, "PUT", "/api/v1/projects/p1", "", `{"name":"X","resistance":11,"complexity":4}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.do(t, "PUT", "/api/v1/tasks/t1", "", `{"project_id":"missing","title":"T"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, "GET", "/api/v1/projects/none", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ProjectUpdateInvalidatesLookup(t *testing.T) {
	env := testApp(t, noAuth())
	env.seed(t)

	snap := env.createSession(t, "alice")
	resp := env.do(t, "DELETE", "/api/v1/sessions/"+snap.ID, "alice", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, "PUT", "/api/v1/tasks/t1", "", `{"project_id":"p1","title":"Rewrite intro"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap = env.createSession(t, "alice")
	assert.Equal(t, "Rewrite intro", snap.TaskTitle)
}

func TestAuth_APIKey(t *testing.T) {
	env := testApp(t, AuthConfig{Mode: AuthAPIKey, APIKey: testKey})

	// Health endpoints skip auth.
	resp := env.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "GET", "/api/v1/ranks", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_auth", decode[ProblemDetail](t, resp).Type)

	req, _ := http.NewRequest("GET", "/api/v1/ranks", nil)
	req.Header.Set("Authorization", "Basic abc")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "invalid_auth_scheme", decode[ProblemDetail](t, resp).Type)

	req, _ = http.NewRequest("GET", "/api/v1/ranks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "invalid_api_key", decode[ProblemDetail](t, resp).Type)

	req, _ = http.NewRequest("GET", "/api/v1/profile", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set(UserHeader, "alice")
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func TestAuth_JWT(t *testing.T) {
	env := testApp(t, AuthConfig{Mode: AuthJWT, JWTSecret: testSecret})

	call := func(method, path, token, body string) *http.Response {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		req, _ := http.NewRequest(method, path, r)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err)
		return resp
	}

	exp := time.Now().Add(time.Hour).Unix()
	user := signToken(t, jwt.MapClaims{"sub": "alice", "exp": exp})
	admin := signToken(t, jwt.MapClaims{"sub": "ops", "role": "admin", "exp": exp})
	expired := signToken(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})

	resp := call("GET", "/api/v1/profile", user, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", decode[ProfileResponse](t, resp).UserID)

	resp = call("GET", "/api/v1/profile", expired, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", decode[ProblemDetail](t, resp).Type)

	resp = call("GET", "/api/v1/profile", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Catalogue writes need the admin role.
	resp = call("PUT", "/api/v1/projects/p1", user, `{"name":"Thesis","resistance":5,"complexity":5}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = call("PUT", "/api/v1/projects/p1", admin, `{"name":"Thesis","resistance":5,"complexity":5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call("POST", "/api/v1/profiles/alice/reconcile", user, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = call("POST", "/api/v1/profiles/alice/reconcile", admin, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RPS: 1, Burst: 2})
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, rl.allow("a"))

	now = now.Add(time.Hour)
	rl.sweep(10 * time.Minute)
	rl.mu.Lock()
	assert.Empty(t, rl.clients)
	rl.mu.Unlock()
}

func TestRateLimitMiddleware(t *testing.T) {
	app := fiber.New()
	rl := newRateLimiter(RateLimitConfig{RPS: 1, Burst: 1})
	app.Use(rl.middleware())
	app.Get("/x", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req, _ := http.NewRequest("GET", "/x", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("GET", "/x", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	for i := 0; i < 3; i++ {
		req, _ = http.NewRequest("GET", "/healthz", nil)
		resp, err = app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}
