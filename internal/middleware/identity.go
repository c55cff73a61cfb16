package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/service"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

// LocalActor holds the resolved models.Actor.
const LocalActor = "actor"

// ResolveActor turns the token locals into the acting user. The stored role
// replaces whatever role the token claimed.
func ResolveActor(identity service.IdentityService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		creds := CredentialsFromLocals(c)

		actor, err := identity.Resolve(c.UserContext(), creds)
		if err != nil {
			if errors.Is(err, service.ErrTransientIO) {
				return utils.SendError(c, fiber.StatusServiceUnavailable, "identity lookup unavailable")
			}
			return utils.SendError(c, fiber.StatusUnauthorized, "unknown user")
		}

		c.Locals(LocalActor, actor)
		c.Locals(LocalUserID, actor.ID)
		c.Locals(LocalUserRole, actor.Role)
		return c.Next()
	}
}

// CredentialsFromLocals collects what JWTProtected extracted.
func CredentialsFromLocals(c *fiber.Ctx) service.Credentials {
	creds := service.Credentials{}
	if value, ok := c.Locals(LocalSessionKey).(string); ok {
		creds.SessionKey = value
	}
	if value, ok := c.Locals(LocalSessionID).(string); ok {
		creds.SessionID = value
	}
	if value, ok := c.Locals(LocalUserID).(uint); ok {
		creds.ActorID = value
	}
	if value, ok := c.Locals(LocalUserEmail).(string); ok {
		creds.Email = value
	}
	return creds
}

// ActorFromContext returns the actor set by ResolveActor.
func ActorFromContext(c *fiber.Ctx) (models.Actor, bool) {
	actor, ok := c.Locals(LocalActor).(models.Actor)
	return actor, ok
}
