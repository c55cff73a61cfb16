package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

// AccessHandler answers "which children may I see and act on today".
type AccessHandler struct {
	access   service.AccessService
	now      func() time.Time
	location *time.Location
	logger   zerolog.Logger
}

// NewAccessHandler constructs the handler. now is the service clock.
func NewAccessHandler(access service.AccessService, now func() time.Time, location *time.Location, logger zerolog.Logger) *AccessHandler {
	if now == nil {
		now = time.Now
	}
	if location == nil {
		location = time.UTC
	}
	return &AccessHandler{
		access:   access,
		now:      now,
		location: location,
		logger:   logger.With().Str("component", "access_handler").Logger(),
	}
}

// RegisterAccess binds /access routes.
func (h *AccessHandler) RegisterAccess(router fiber.Router) {
	router.Get("/children", h.children)
}

// RegisterChildren binds /children routes.
func (h *AccessHandler) RegisterChildren(router fiber.Router) {
	router.Get("/:id/windows", h.windows)
}

// asOf reads the optional date query, defaulting to today in the school zone.
func (h *AccessHandler) asOf(c *fiber.Ctx) (time.Time, error) {
	if raw := c.Query("date"); raw != "" {
		parsed, err := service.ParseDate(raw, h.location)
		if err != nil {
			return time.Time{}, service.ErrInvalidWindow
		}
		return parsed, nil
	}
	return h.now().In(h.location), nil
}

func (h *AccessHandler) children(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "resolve children")
	}
	asOf, err := h.asOf(c)
	if err != nil {
		return respondError(c, h.logger, err, "resolve children")
	}

	children, err := h.access.ResolveAccessibleChildren(requestContext(c), actor.ID, asOf)
	if err != nil {
		return respondError(c, h.logger, err, "resolve children")
	}
	return utils.SendSuccess(c, "accessible children", children)
}

func (h *AccessHandler) windows(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "child windows")
	}
	childID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	asOf, err := h.asOf(c)
	if err != nil {
		return respondError(c, h.logger, err, "child windows")
	}

	ctx := requestContext(c)
	flags, err := h.access.ChildWindowFlags(ctx, childID, asOf)
	if err != nil {
		return respondError(c, h.logger, err, "child windows")
	}
	scope, err := h.access.ViewScope(ctx, actor, asOf)
	if err != nil {
		return respondError(c, h.logger, err, "child windows")
	}
	if !scope.Covers(flags.ClassID, childID) {
		return respondError(c, h.logger, service.ErrUnauthorized, "child windows")
	}
	return utils.SendSuccess(c, "child windows", flags)
}
