package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/focus-engine/internal/focus"
	"github.com/p-blackswan/focus-engine/internal/health"
	"github.com/p-blackswan/focus-engine/internal/metrics"
	"github.com/p-blackswan/focus-engine/internal/rank"
	"github.com/p-blackswan/focus-engine/internal/requestid"
	"github.com/p-blackswan/focus-engine/internal/store"
)

// ServerConfig holds configuration for the control API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string
	Durations   focus.Durations
}

// Deps are the collaborators the API serves from.
type Deps struct {
	Service   *focus.Service
	Store     *store.Store
	Directory *store.TaskDirectory
	Ranks     *rank.Table
	Checker   *health.Checker
	Metrics   *metrics.Metrics
}

// Server is the control API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	limiter  *rateLimiter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures a new control API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	ranks := deps.Ranks
	if ranks == nil {
		ranks = rank.Default()
	}
	durations := cfg.Durations
	if durations == (focus.Durations{}) {
		durations = focus.DefaultDurations()
	}

	s := &Server{
		app:      app,
		handlers: NewHandlers(deps.Service, deps.Store, deps.Directory, ranks, deps.Checker, durations, logger),
		metrics:  deps.Metrics,
		logger:   logger.With().Str("component", "api_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID, honouring one set by an upstream proxy.
	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Resolve(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, " + UserHeader,
			AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		}))
	}

	// Audit and request metrics. Registered before auth so rejected
	// requests are counted too.
	s.app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Path()
		if isHealthPath(path) {
			return err
		}

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		if s.metrics != nil {
			s.metrics.RecordRequest(c.Route().Path, c.Method(), strconv.Itoa(status), time.Since(start).Seconds())
		}

		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", status).
			Str("ip", c.IP()).
			Str("user_id", userID(c)).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Dur("elapsed", time.Since(start)).
			Msg("api request")
		return err
	})

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, s.logger))

	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
		go s.limiter.janitor(5*time.Minute, 10*time.Minute)
		s.app.Use(s.limiter.middleware())
	}
}

func (s *Server) setupRoutes() {
	h := s.handlers

	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	v1 := s.app.Group("/api/v1")

	sessions := v1.Group("/sessions", requireUser)
	sessions.Post("", h.CreateSession)
	sessions.Get("/current", h.CurrentSession)
	sessions.Get("/:id", h.GetSession)
	sessions.Delete("/:id", h.AbortSession)
	sessions.Post("/:id/start", h.action(h.svc.Start))
	sessions.Post("/:id/pause", h.action(h.svc.Pause))
	sessions.Post("/:id/resume", h.action(h.svc.Resume))
	sessions.Post("/:id/reset", h.action(h.svc.Reset))
	sessions.Post("/:id/skip-break", h.action(h.svc.SkipBreak))
	sessions.Post("/:id/complete", h.action(h.svc.MarkCompleted))
	sessions.Post("/:id/obstacle/open", h.action(h.svc.OpenObstacle))
	sessions.Post("/:id/obstacle/cancel", h.action(h.svc.CancelObstacle))
	sessions.Post("/:id/obstacles", h.ReportObstacle)
	sessions.Get("/:id/obstacles", h.ListObstacles)
	sessions.Post("/:id/completion", h.SubmitCompletion)

	v1.Get("/profile", requireUser, h.GetProfile)
	v1.Post("/profiles/:user_id/reconcile", requireRole(RoleAdmin), h.ReconcileProfile)
	v1.Get("/completions", requireUser, h.ListCompletions)
	v1.Get("/ranks", h.ListRanks)

	v1.Get("/projects/:id", h.GetProject)
	v1.Put("/projects/:id", requireRole(RoleAdmin), h.PutProject)
	v1.Get("/tasks/:id", h.GetTask)
	v1.Put("/tasks/:id", requireRole(RoleAdmin), h.PutTask)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("control API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("control API server shutting down")
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		errType := "http_error"
		detail := err.Error()
		// Don't leak internal details
		if code == fiber.StatusInternalServerError {
			errType = "internal_error"
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    utils.StatusMessage(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
