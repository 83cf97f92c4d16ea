package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Role defines the access level of a caller.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Auth modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
	AuthJWT    = "jwt"
)

// UserHeader names the acting user in none and api-key modes.
const UserHeader = "X-User-ID"

const (
	localRole = "role"
	localUser = "user_id"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode      string
	APIKey    string
	JWTSecret string
}

func isHealthPath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware resolves the caller's role and user id.
//
// In none and api-key modes the user comes from the X-User-ID header and the
// caller is trusted as admin. In jwt mode the token's subject is the user and
// the "role" claim grants admin.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if isHealthPath(path) {
			return c.Next()
		}

		if cfg.Mode == AuthNone {
			c.Locals(localRole, RoleAdmin)
			c.Locals(localUser, strings.TrimSpace(c.Get(UserHeader)))
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		switch cfg.Mode {
		case AuthJWT:
			user, role, err := parseToken(token, cfg.JWTSecret)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("rejected bearer token")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_token", "Unauthorized", "Invalid or expired token")
			}
			c.Locals(localRole, role)
			c.Locals(localUser, user)
			return c.Next()
		default:
			if cfg.APIKey == "" || token != cfg.APIKey {
				logger.Warn().
					Str("path", path).
					Str("method", c.Method()).
					Msg("unauthorized request: invalid API key")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_api_key", "Unauthorized", "Invalid API key")
			}
			c.Locals(localRole, RoleAdmin)
			c.Locals(localUser, strings.TrimSpace(c.Get(UserHeader)))
			return c.Next()
		}
	}
}

func parseToken(raw, secret string) (string, Role, error) {
	if secret == "" {
		return "", "", errors.New("jwt secret not configured")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", "", err
	}
	if sub == "" {
		return "", "", errors.New("token has no subject")
	}
	role := RoleUser
	if r, _ := claims["role"].(string); Role(r) == RoleAdmin {
		role = RoleAdmin
	}
	return sub, role, nil
}

// requireRole returns a middleware that enforces a minimum role level.
func requireRole(minRole Role) fiber.Handler {
	roleLevel := map[Role]int{
		RoleUser:  1,
		RoleAdmin: 2,
	}

	return func(c *fiber.Ctx) error {
		role, _ := c.Locals(localRole).(Role)
		if roleLevel[role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden",
				"Insufficient permissions for this operation")
		}
		return c.Next()
	}
}

// requireUser rejects requests that carry no user identity.
func requireUser(c *fiber.Ctx) error {
	if userID(c) == "" {
		return problemResponse(c, fiber.StatusUnauthorized,
			"missing_user", "Unauthorized",
			"Requests must identify the acting user via "+UserHeader+" or a token subject")
	}
	return c.Next()
}

func userID(c *fiber.Ctx) string {
	u, _ := c.Locals(localUser).(string)
	return u
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
