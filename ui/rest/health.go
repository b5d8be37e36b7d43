package rest

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Health struct {
	Checks map[string]Check
}

func InitRestHealth(router fiber.Router, checks map[string]Check) Health {
	handler := Health{Checks: checks}
	router.Get("/healthz", handler.Status)
	router.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	return handler
}

// Status is 200 when every check passes and 503 otherwise, listing each
// dependency either way.
func (h *Health) Status(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	status := fiber.StatusOK
	results := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != fiber.StatusOK {
		overall = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": results,
	})
}
