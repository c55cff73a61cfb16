package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pickup-go-api/internal/middleware"
	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

// SessionHandler exposes the resolved identity and drops it on logout.
type SessionHandler struct {
	identity service.IdentityService
	access   service.AccessService
	logger   zerolog.Logger
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(identity service.IdentityService, access service.AccessService, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		identity: identity,
		access:   access,
		logger:   logger.With().Str("component", "session_handler").Logger(),
	}
}

// Register binds session routes.
func (h *SessionHandler) Register(router fiber.Router) {
	router.Get("/me", h.me)
	router.Post("/logout", h.logout)
}

func (h *SessionHandler) me(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return respondError(c, h.logger, err, "current session")
	}
	return utils.SendSuccess(c, "current actor", actor)
}

// logout forgets the cached identity for this session so the next request
// resolves it again. The token itself stays valid until it expires.
func (h *SessionHandler) logout(c *fiber.Ctx) error {
	creds := middleware.CredentialsFromLocals(c)
	if creds.SessionKey == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "no session")
	}

	h.identity.Invalidate(creds.SessionKey)
	if actor, err := currentActor(c); err == nil {
		h.access.Invalidate(requestContext(c), actor.ID)
		requestLogger(h.logger, c).Info().Uint("actor_id", actor.ID).Msg("session invalidated")
	}
	return utils.SendSuccess(c, "logged out", nil)
}
