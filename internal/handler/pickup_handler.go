package handler

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/middleware"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

const createRateWindow = time.Minute

// PickupHandler exposes the pickup request lifecycle over HTTP.
type PickupHandler struct {
	pickups   service.PickupService
	access    service.AccessService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewPickupHandler constructs the handler.
func NewPickupHandler(pickups service.PickupService, access service.AccessService, validator *validator.Validate, logger zerolog.Logger) *PickupHandler {
	return &PickupHandler{
		pickups:   pickups,
		access:    access,
		validator: validator,
		logger:    logger.With().Str("component", "pickup_handler").Logger(),
	}
}

// Register attaches pickup endpoints to the router group.
func (h *PickupHandler) Register(router fiber.Router) {
	router.Post("", middleware.RateLimit("pickup_create", 10, createRateWindow), h.create)
	router.Get("/active", h.active)
	router.Get("/history", middleware.RequireStaff(), h.history)
	router.Get("/:id", h.get)
	router.Post("/:id/call", middleware.RequireStaff(), h.call)
	router.Post("/:id/complete", middleware.RequireStaff(), h.complete)
	router.Post("/:id/cancel", h.cancel)
}

func (h *PickupHandler) create(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "create pickup")
	}

	var payload dto.PickupCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, h.logger, err, "create pickup")
	}

	request, err := h.pickups.CreatePickupRequest(requestContext(c), actor.ID, payload.StudentID)
	if err != nil {
		return respondError(c, h.logger, err, "create pickup")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "pickup requested", request)
}

func (h *PickupHandler) call(c *fiber.Ctx) error {
	return h.transition(c, "call pickup", "pickup called", h.pickups.MarkCalled)
}

func (h *PickupHandler) complete(c *fiber.Ctx) error {
	return h.transition(c, "complete pickup", "pickup completed", h.pickups.MarkCompleted)
}

func (h *PickupHandler) transition(c *fiber.Ctx, action, message string, apply func(ctx context.Context, actor models.Actor, id uint) (dto.PickupRequestResponse, error)) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, action)
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	request, err := apply(requestContext(c), actor, id)
	if err != nil {
		return respondError(c, h.logger, err, action)
	}
	return utils.SendSuccess(c, message, request)
}

func (h *PickupHandler) cancel(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "cancel pickup")
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	request, err := h.pickups.CancelRequest(requestContext(c), id, actor.ID)
	if err != nil {
		return respondError(c, h.logger, err, "cancel pickup")
	}
	return utils.SendSuccess(c, "pickup cancelled", request)
}

func (h *PickupHandler) get(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "get pickup")
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	request, err := h.pickups.Get(requestContext(c), actor, id)
	if err != nil {
		return respondError(c, h.logger, err, "get pickup")
	}
	return utils.SendSuccess(c, "pickup retrieved", request)
}

func (h *PickupHandler) active(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "list active pickups")
	}

	classID, err := parseQueryUint(c, "class_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid class_id")
	}
	query := dto.PickupActiveQuery{ClassID: classID, Status: c.Query("status")}

	ctx := requestContext(c)
	scope, err := h.access.ViewScope(ctx, actor, h.pickups.Now())
	if err != nil {
		return respondError(c, h.logger, err, "list active pickups")
	}

	requests, err := h.pickups.ListActive(ctx, scope, query)
	if err != nil {
		return respondError(c, h.logger, err, "list active pickups")
	}
	return utils.OK(c, requests, "active pickups", fiber.Map{"count": len(requests)})
}

func (h *PickupHandler) history(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "pickup history")
	}

	var query dto.PickupHistoryQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	history, err := h.pickups.History(requestContext(c), actor, query)
	if err != nil {
		return respondError(c, h.logger, err, "pickup history")
	}
	return utils.OK(c, history, "pickup history", fiber.Map{"count": len(history), "from": query.From, "to": query.To})
}
