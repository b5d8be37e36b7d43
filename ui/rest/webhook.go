package rest

import (
	"context"
	"strings"

	"github.com/AzielCF/az-dispatch/ingestion/application"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/gofiber/fiber/v2"
)

type Ingester interface {
	Ingest(ctx context.Context, sessionID string, req channel.InboundRequest) (application.Result, error)
	Handshake(ctx context.Context, sessionID string, query map[string]string) (string, error)
}

// Webhook receives provider callbacks. It sits outside /api because
// providers authenticate with signatures, not basic auth.
type Webhook struct {
	Pipeline Ingester
}

func InitRestWebhook(router fiber.Router, pipeline Ingester) Webhook {
	handler := Webhook{Pipeline: pipeline}

	group := router.Group("/webhooks")
	group.Post("/:sessionId", handler.Receive)
	group.Get("/:sessionId", handler.Handshake)

	return handler
}

func (h *Webhook) Receive(c *fiber.Ctx) error {
	res, err := h.Pipeline.Ingest(c.UserContext(), c.Params("sessionId"), inboundRequest(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"status":     "ok",
		"processed":  res.Processed,
		"duplicates": res.Duplicates,
	})
}

// Handshake echoes the provider challenge as plain text.
func (h *Webhook) Handshake(c *fiber.Ctx) error {
	challenge, err := h.Pipeline.Handshake(c.UserContext(), c.Params("sessionId"), c.Queries())
	if err != nil {
		return err
	}
	return c.SendString(challenge)
}

// inboundRequest copies what the adapters need out of the fasthttp context;
// its buffers are reused once the handler returns.
func inboundRequest(c *fiber.Ctx) channel.InboundRequest {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[strings.ToLower(string(key))] = string(value)
	})
	return channel.InboundRequest{
		Headers:  headers,
		Query:    c.Queries(),
		Body:     append([]byte(nil), c.Body()...),
		RemoteIP: c.IP(),
	}
}
