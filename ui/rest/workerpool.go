package rest

import (
	"github.com/AzielCF/az-dispatch/pkg/msgworker"
	"github.com/AzielCF/az-dispatch/pkg/ratelimit"
	"github.com/AzielCF/az-dispatch/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type PoolStatsSource interface {
	Stats() map[string]msgworker.PoolStats
}

type GateStatsSource interface {
	Stats() []ratelimit.Stats
}

type WorkerPool struct {
	Sessions  PoolStatsSource
	AutoReply *msgworker.MessageWorkerPool
	Gates     GateStatsSource
}

type workerPoolStats struct {
	Sessions   map[string]msgworker.PoolStats `json:"sessions"`
	AutoReply  *msgworker.PoolStats           `json:"auto_reply,omitempty"`
	RateLimits []ratelimit.Stats              `json:"rate_limits,omitempty"`
}

func InitRestWorkerPool(api fiber.Router, handler WorkerPool) WorkerPool {
	api.Get("/worker-pools/stats", handler.GetStats)
	return handler
}

// GetStats returns real-time per-session pool statistics.
func (h *WorkerPool) GetStats(c *fiber.Ctx) error {
	if h.Sessions == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(utils.ResponseData{
			Status:  fiber.StatusServiceUnavailable,
			Code:    "SERVICE_UNAVAILABLE",
			Message: "Worker pools not initialized",
		})
	}

	stats := workerPoolStats{Sessions: h.Sessions.Stats()}
	if h.AutoReply != nil {
		s := h.AutoReply.GetStats()
		stats.AutoReply = &s
	}
	if h.Gates != nil {
		stats.RateLimits = h.Gates.Stats()
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Worker pool stats",
		Results: stats,
	})
}
