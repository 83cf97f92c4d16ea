package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
	"github.com/p-blackswan/focus-engine/internal/focus"
	"github.com/p-blackswan/focus-engine/internal/health"
	"github.com/p-blackswan/focus-engine/internal/rank"
	"github.com/p-blackswan/focus-engine/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	svc       *focus.Service
	store     *store.Store
	directory *store.TaskDirectory
	ranks     *rank.Table
	checker   *health.Checker
	defaults  focus.Durations
	logger    zerolog.Logger
}

// NewHandlers creates a new Handlers instance. directory may be nil when task
// lookups are not cached.
func NewHandlers(svc *focus.Service, st *store.Store, directory *store.TaskDirectory, ranks *rank.Table, checker *health.Checker, defaults focus.Durations, logger zerolog.Logger) *Handlers {
	return &Handlers{
		svc:       svc,
		store:     st,
		directory: directory,
		ranks:     ranks,
		checker:   checker,
		defaults:  defaults,
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// --- Health ---

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return health.FiberLiveness(c)
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	return h.checker.FiberReadiness(c)
}

// --- Sessions ---

// CreateSession handles POST /api/v1/sessions.
func (h *Handlers) CreateSession(c *fiber.Ctx) error {
	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	d, err := req.durations(h.defaults)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	snap, err := h.svc.Create(c.UserContext(), userID(c), req.TaskID, d)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(newSessionResponse(snap))
}

// CurrentSession handles GET /api/v1/sessions/current.
func (h *Handlers) CurrentSession(c *fiber.Ctx) error {
	snap, err := h.svc.Current(userID(c))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(newSessionResponse(snap))
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	snap, err := h.svc.Get(userID(c), c.Params("id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(newSessionResponse(snap))
}

type sessionAction func(userID, sessionID string) (focus.Snapshot, error)

// action adapts a Service state-machine method to a handler.
func (h *Handlers) action(fn sessionAction) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snap, err := fn(userID(c), c.Params("id"))
		if err != nil {
			return writeError(c, h.logger, err)
		}
		return c.JSON(newSessionResponse(snap))
	}
}

// ReportObstacle handles POST /api/v1/sessions/:id/obstacles.
func (h *Handlers) ReportObstacle(c *fiber.Ctx) error {
	var req ObstacleRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	ev, err := h.svc.ReportObstacle(userID(c), c.Params("id"), req.report())
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ev)
}

// SubmitCompletion handles POST /api/v1/sessions/:id/completion.
func (h *Handlers) SubmitCompletion(c *fiber.Ctx) error {
	var req CompletionRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	rec, err := h.svc.Submit(userID(c), c.Params("id"), req.input())
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

// ListObstacles handles GET /api/v1/sessions/:id/obstacles. Obstacles are
// read from the store, so they outlive the in-memory session.
func (h *Handlers) ListObstacles(c *fiber.Ctx) error {
	items, err := h.store.ListObstacles(c.UserContext(), userID(c), c.Params("id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	if items == nil {
		items = []focus.ObstacleEvent{}
	}
	return c.JSON(ListResponse[focus.ObstacleEvent]{Items: items, Total: len(items)})
}

// AbortSession handles DELETE /api/v1/sessions/:id.
func (h *Handlers) AbortSession(c *fiber.Ctx) error {
	if err := h.svc.Abort(userID(c), c.Params("id")); err != nil {
		return writeError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// --- Rewards ---

// GetProfile handles GET /api/v1/profile. A user with no completions gets a
// zero profile at the entry rank.
func (h *Handlers) GetProfile(c *fiber.Ctx) error {
	user := userID(c)
	p, err := h.store.GetProfile(c.UserContext(), user)
	if err != nil && !errors.Is(err, perrors.ErrNotFound) {
		return writeError(c, h.logger, err)
	}
	if err != nil {
		p = store.Profile{UserID: user, Rank: h.ranks.Name(0)}
	}

	return c.JSON(h.profileResponse(p))
}

func (h *Handlers) profileResponse(p store.Profile) ProfileResponse {
	resp := ProfileResponse{
		UserID:   p.UserID,
		XP:       p.XP,
		Rank:     p.Rank,
		Sessions: p.Sessions,
	}
	if next, ok := h.ranks.Next(p.XP); ok {
		resp.NextRank = &next
		resp.XPToNext = next.Threshold - p.XP
	}
	return resp
}

// ReconcileProfile handles POST /api/v1/profiles/:user_id/reconcile. It
// rebuilds the profile from stored completions and re-ranks it against the
// loaded rank table.
func (h *Handlers) ReconcileProfile(c *fiber.Ctx) error {
	p, err := h.store.Reconcile(c.UserContext(), c.Params("user_id"), h.ranks.Name)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	h.logger.Info().Str("user_id", p.UserID).Int("xp", p.XP).Str("rank", p.Rank).Msg("profile reconciled")
	return c.JSON(h.profileResponse(p))
}

// ListCompletions handles GET /api/v1/completions?limit=N.
func (h *Handlers) ListCompletions(c *fiber.Ctx) error {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return writeError(c, h.logger, perrors.Invalid("limit", "must be a positive integer"))
		}
		limit = min(n, maxListLimit)
	}

	items, err := h.store.ListCompletions(c.UserContext(), userID(c), limit)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	if items == nil {
		items = []store.Completion{}
	}
	return c.JSON(ListResponse[store.Completion]{Items: items, Total: len(items)})
}

// ListRanks handles GET /api/v1/ranks.
func (h *Handlers) ListRanks(c *fiber.Ctx) error {
	ranks := h.ranks.Ranks()
	return c.JSON(ListResponse[rank.Rank]{Items: ranks, Total: len(ranks)})
}

// --- Projects and tasks ---

// PutProject handles PUT /api/v1/projects/:id.
func (h *Handlers) PutProject(c *fiber.Ctx) error {
	var req ProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	p := &store.Project{
		ID:         c.Params("id"),
		Name:       req.Name,
		Resistance: req.Resistance,
		Complexity: req.Complexity,
	}
	if err := h.store.SaveProject(c.UserContext(), p); err != nil {
		return writeError(c, h.logger, err)
	}
	// Difficulty changes reach every task in the project.
	if h.directory != nil {
		h.directory.InvalidateAll()
	}
	return c.JSON(p)
}

// GetProject handles GET /api/v1/projects/:id.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	p, err := h.store.GetProject(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(p)
}

// PutTask handles PUT /api/v1/tasks/:id.
func (h *Handlers) PutTask(c *fiber.Ctx) error {
	var req TaskRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	t := &store.Task{
		ID:               c.Params("id"),
		ProjectID:        req.ProjectID,
		Title:            req.Title,
		EstimatedMinutes: req.EstimatedMinutes,
	}
	if err := h.store.SaveTask(c.UserContext(), t); err != nil {
		return writeError(c, h.logger, err)
	}
	if h.directory != nil {
		h.directory.Invalidate(t.ID)
	}
	return c.JSON(t)
}

// GetTask handles GET /api/v1/tasks/:id.
func (h *Handlers) GetTask(c *fiber.Ctx) error {
	t, err := h.store.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(t)
}
