package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/pickup-go-api/internal/config"
	"github.com/noah-isme/pickup-go-api/internal/handler"
	"github.com/noah-isme/pickup-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	PickupHandler        *handler.PickupHandler
	LiveHandler          *handler.LiveHandler
	AuthorizationHandler *handler.AuthorizationHandler
	DepartureHandler     *handler.DepartureHandler
	AccessHandler        *handler.AccessHandler
	SessionHandler       *handler.SessionHandler
	ActivityHandler      *handler.ActivityHandler
	HealthProbes         []handler.HealthProbe
	JWTMiddleware        fiber.Handler
	// IdentityMiddleware resolves the acting user after the JWT check.
	IdentityMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	noop := func(c *fiber.Ctx) error { return c.Next() }
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = noop
	}
	identityMiddleware := deps.IdentityMiddleware
	if identityMiddleware == nil {
		identityMiddleware = noop
	}

	v2 := app.Group("/api/v2", jwtMiddleware, identityMiddleware)

	if deps.SessionHandler != nil {
		deps.SessionHandler.Register(v2.Group("/session"))
	}

	// Live routes sit in front of /pickups/:id.
	pickups := v2.Group("/pickups")
	if deps.LiveHandler != nil {
		deps.LiveHandler.Register(pickups)
	}
	if deps.PickupHandler != nil {
		deps.PickupHandler.Register(pickups)
	}

	if deps.AuthorizationHandler != nil {
		deps.AuthorizationHandler.Register(v2.Group("/authorizations"))
	}
	if deps.DepartureHandler != nil {
		deps.DepartureHandler.Register(v2.Group("/departures"))
	}
	if deps.AccessHandler != nil {
		deps.AccessHandler.RegisterAccess(v2.Group("/access"))
		deps.AccessHandler.RegisterChildren(v2.Group("/children"))
	}
	if deps.ActivityHandler != nil {
		deps.ActivityHandler.Register(v2.Group("/activity"))
	}
}
