package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/middleware"
	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

// ActivityHandler exposes the pickup audit trail to staff.
type ActivityHandler struct {
	service service.ActivityService
	logger  zerolog.Logger
}

// NewActivityHandler constructs the handler.
func NewActivityHandler(service service.ActivityService, logger zerolog.Logger) *ActivityHandler {
	return &ActivityHandler{
		service: service,
		logger:  logger.With().Str("component", "activity_handler").Logger(),
	}
}

// Register attaches activity routes to the router group.
func (h *ActivityHandler) Register(router fiber.Router) {
	router.Get("", middleware.RequireStaff(), h.list)
}

func (h *ActivityHandler) list(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "list activity")
	}

	var query dto.ActivityListQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	response, err := h.service.List(requestContext(c), actor, query)
	if err != nil {
		return respondError(c, h.logger, err, "list activity")
	}
	return utils.OK(c, response.Items, "pickup activity", response.Pagination)
}
