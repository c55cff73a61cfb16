package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/middleware"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	value := c.Params(name)
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}

func parseQueryUint(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(parsed), nil
}

// currentActor returns the actor resolved by middleware.ResolveActor.
func currentActor(c *fiber.Ctx) (models.Actor, error) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok || actor.ID == 0 {
		return models.Actor{}, service.ErrUnauthorized
	}
	return actor, nil
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, service.ErrPickupRequestNotFound),
		errors.Is(err, service.ErrChildNotFound),
		errors.Is(err, service.ErrAuthorizationNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrInvalidWindow):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, service.ErrTransientIO), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError maps service errors onto the response envelope. Unknown errors
// are logged and hidden from the client.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error, action string) error {
	if isValidationError(err) {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	status := statusForError(err)
	code := service.ErrorCode(err)
	if status == fiber.StatusInternalServerError {
		requestLogger(logger, c).Error().Err(err).Msg(action + " failed")
		return utils.SendErrorCode(c, status, code, "internal server error")
	}
	if status == fiber.StatusServiceUnavailable {
		requestLogger(logger, c).Warn().Err(err).Msg(action + " unavailable")
		return utils.SendErrorCode(c, status, code, "temporarily unavailable, retry shortly")
	}

	return utils.SendErrorCode(c, status, code, err.Error())
}
