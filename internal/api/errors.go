package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
	"github.com/p-blackswan/focus-engine/internal/focus"
)

// writeError maps domain errors onto problem responses.
func writeError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	var ve *perrors.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(ProblemDetail{
			Type:     "validation_failed",
			Title:    "Unprocessable Entity",
			Status:   fiber.StatusUnprocessableEntity,
			Detail:   ve.Error(),
			Instance: c.Path(),
			Field:    ve.Field,
		})
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusUnprocessableEntity,
			"validation_failed", "Unprocessable Entity", err.Error())
	case errors.Is(err, focus.ErrInvalidTransition):
		return problemResponse(c, fiber.StatusConflict,
			"invalid_transition", "Conflict", err.Error())
	case errors.Is(err, focus.ErrObstacleNotOpen):
		return problemResponse(c, fiber.StatusConflict,
			"obstacle_not_open", "Conflict", err.Error())
	case errors.Is(err, focus.ErrSessionClosed):
		return problemResponse(c, fiber.StatusConflict,
			"session_closed", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrConflict):
		return problemResponse(c, fiber.StatusConflict,
			"conflict", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", err.Error())
	}

	logger.Error().Err(err).
		Str("path", c.Path()).
		Str("method", c.Method()).
		Msg("request failed")
	return problemResponse(c, fiber.StatusInternalServerError,
		"internal_error", "Internal Server Error", "An internal error occurred")
}

func badBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}
