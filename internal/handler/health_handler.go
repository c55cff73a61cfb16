package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/pickup-go-api/internal/config"
	"github.com/noah-isme/pickup-go-api/internal/utils"
)

const probeTimeout = 2 * time.Second

// HealthProbe checks one backing dependency.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	Timezone    string            `json:"timezone"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// HealthCheck reports application health. Any failing probe turns the
// response into a 503 so load balancers stop routing to the node.
func HealthCheck(cfg config.Config, probes ...HealthProbe) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if cfg.Timezone != nil {
			payload.Timezone = cfg.Timezone.String()
		}

		healthy := true
		if len(probes) > 0 {
			payload.Checks = make(map[string]string, len(probes))
		}
		for _, probe := range probes {
			ctx, cancel := context.WithTimeout(requestContext(c), probeTimeout)
			err := probe.Check(ctx)
			cancel()
			if err != nil {
				healthy = false
				payload.Checks[probe.Name] = err.Error()
				continue
			}
			payload.Checks[probe.Name] = "ok"
		}

		if !healthy {
			payload.Status = "degraded"
			return utils.SendSuccessWithStatus(c, fiber.StatusServiceUnavailable, "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}
