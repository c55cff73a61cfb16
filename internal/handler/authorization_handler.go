package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/dto"
	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

// AuthorizationHandler manages pickup and self-checkout grants.
type AuthorizationHandler struct {
	service   service.AuthorizationService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAuthorizationHandler constructs the handler.
func NewAuthorizationHandler(service service.AuthorizationService, validator *validator.Validate, logger zerolog.Logger) *AuthorizationHandler {
	return &AuthorizationHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "authorization_handler").Logger(),
	}
}

// Register binds grant routes.
func (h *AuthorizationHandler) Register(router fiber.Router) {
	router.Get("/pickup", h.listPickup)
	router.Post("/pickup", h.grantPickup)
	router.Delete("/pickup/:id", h.revokePickup)

	router.Get("/self-checkout", h.listSelfCheckout)
	router.Post("/self-checkout", h.grantSelfCheckout)
	router.Delete("/self-checkout/:id", h.revokeSelfCheckout)
}

func (h *AuthorizationHandler) grantPickup(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "grant pickup")
	}

	var payload dto.PickupAuthorizationCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, h.logger, err, "grant pickup")
	}

	grant, err := h.service.GrantPickup(requestContext(c), actor, payload)
	if err != nil {
		return respondError(c, h.logger, err, "grant pickup")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "pickup authorization granted", grant)
}

func (h *AuthorizationHandler) revokePickup(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "revoke pickup")
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.RevokePickup(requestContext(c), actor, id); err != nil {
		return respondError(c, h.logger, err, "revoke pickup")
	}
	return utils.SendSuccess(c, "pickup authorization revoked", nil)
}

func (h *AuthorizationHandler) listPickup(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "list pickup grants")
	}
	parentID, err := parseQueryUint(c, "parent_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid parent_id")
	}
	if parentID == 0 {
		parentID = actor.ID
	}

	grants, err := h.service.ListPickupForParent(requestContext(c), actor, parentID)
	if err != nil {
		return respondError(c, h.logger, err, "list pickup grants")
	}
	return utils.OK(c, grants, "pickup authorizations", fiber.Map{"count": len(grants)})
}

func (h *AuthorizationHandler) grantSelfCheckout(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "grant self-checkout")
	}

	var payload dto.SelfCheckoutCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, h.logger, err, "grant self-checkout")
	}

	grant, err := h.service.GrantSelfCheckout(requestContext(c), actor, payload)
	if err != nil {
		return respondError(c, h.logger, err, "grant self-checkout")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "self-checkout granted", grant)
}

func (h *AuthorizationHandler) revokeSelfCheckout(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "revoke self-checkout")
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.RevokeSelfCheckout(requestContext(c), actor, id); err != nil {
		return respondError(c, h.logger, err, "revoke self-checkout")
	}
	return utils.SendSuccess(c, "self-checkout revoked", nil)
}

func (h *AuthorizationHandler) listSelfCheckout(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "list self-checkout")
	}
	childID, err := parseQueryUint(c, "child_id")
	if err != nil || childID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "child_id required")
	}

	grants, err := h.service.ListSelfCheckout(requestContext(c), actor, childID)
	if err != nil {
		return respondError(c, h.logger, err, "list self-checkout")
	}
	return utils.OK(c, grants, "self-checkout authorizations", fiber.Map{"count": len(grants)})
}
