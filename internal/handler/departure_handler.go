package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/middleware"
	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

// DepartureHandler records self-checkout departures for staff.
type DepartureHandler struct {
	service   service.DepartureService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewDepartureHandler constructs the handler.
func NewDepartureHandler(service service.DepartureService, validator *validator.Validate, logger zerolog.Logger) *DepartureHandler {
	return &DepartureHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "departure_handler").Logger(),
	}
}

// Register binds departure routes. All of them are staff-only.
func (h *DepartureHandler) Register(router fiber.Router) {
	router.Use(middleware.RequireStaff())
	router.Post("", h.mark)
	router.Get("", h.list)
}

func (h *DepartureHandler) mark(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "mark departure")
	}

	var payload dto.DepartureCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, h.logger, err, "mark departure")
	}

	departure, err := h.service.MarkDeparture(requestContext(c), actor, payload)
	if err != nil {
		return respondError(c, h.logger, err, "mark departure")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "departure recorded", departure)
}

func (h *DepartureHandler) list(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "list departures")
	}
	classID, err := parseQueryUint(c, "class_id")
	if err != nil || classID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "class_id required")
	}

	departures, err := h.service.ListDepartures(requestContext(c), actor, classID, c.Query("date"))
	if err != nil {
		return respondError(c, h.logger, err, "list departures")
	}
	return utils.OK(c, departures, "departures", fiber.Map{"count": len(departures)})
}
