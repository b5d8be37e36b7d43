package rest

import (
	"context"

	"github.com/AzielCF/az-dispatch/messaging/application"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/utils"
	"github.com/AzielCF/az-dispatch/validations"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/gofiber/fiber/v2"
)

type SessionService interface {
	Create(ctx context.Context, in session.CreateRequest) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context, workspaceID string) ([]session.Session, error)
	Resolve(ctx context.Context, id string) (session.Session, channel.Adapter, error)
	Connect(ctx context.Context, id string) (session.Session, error)
	Disconnect(ctx context.Context, id string) (session.Session, error)
}

type Sender interface {
	Deliver(ctx context.Context, out application.Outbound, policy application.RetryPolicy) (message.Message, error)
}

type Session struct {
	Service SessionService
	Sender  Sender
	Policy  application.RetryPolicy
}

func InitRestSession(api fiber.Router, service SessionService, sender Sender, policy application.RetryPolicy) Session {
	handler := Session{Service: service, Sender: sender, Policy: policy}

	group := api.Group("/sessions")
	group.Post("/", handler.Create)
	group.Get("/", handler.List)
	group.Get("/:id", handler.Get)
	group.Post("/:id/connect", handler.Connect)
	group.Post("/:id/disconnect", handler.Disconnect)
	group.Post("/:id/send", handler.Send)

	return handler
}

func (h *Session) Create(c *fiber.Ctx) error {
	var req session.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return pkgError.ValidationError("invalid request body: " + err.Error())
	}
	sess, err := h.Service.Create(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(utils.ResponseData{
		Status:  fiber.StatusCreated,
		Code:    "SUCCESS",
		Message: "Session created",
		Results: sess,
	})
}

func (h *Session) List(c *fiber.Ctx) error {
	sessions, err := h.Service.List(c.UserContext(), c.Query("workspace_id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Sessions retrieved",
		Results: sessions,
	})
}

func (h *Session) Get(c *fiber.Ctx) error {
	sess, err := h.Service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Session retrieved",
		Results: sess,
	})
}

func (h *Session) Connect(c *fiber.Ctx) error {
	sess, err := h.Service.Connect(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Session connected",
		Results: sess,
	})
}

func (h *Session) Disconnect(c *fiber.Ctx) error {
	sess, err := h.Service.Disconnect(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Session disconnected",
		Results: sess,
	})
}

// Send is a one-off message through the same gate and tracker that campaigns
// use. A provider rejection still returns the failed message record.
func (h *Session) Send(c *fiber.Ctx) error {
	var req validations.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return pkgError.ValidationError("invalid request body: " + err.Error())
	}
	if err := validations.ValidateSend(c.UserContext(), req); err != nil {
		return err
	}

	sess, adapter, err := h.Service.Resolve(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if !sess.IsConnected() {
		return pkgError.ValidationError("session is not connected")
	}

	msg, err := h.Sender.Deliver(c.UserContext(), application.Outbound{
		Session:   sess,
		Adapter:   adapter,
		Recipient: req.Recipient,
		Payload:   req.Payload,
	}, h.Policy)
	if err != nil {
		if msg.ID == "" {
			return err
		}
		status := fiber.StatusBadGateway
		code := "PROVIDER_ERROR"
		if ge, ok := pkgError.AsGeneric(err); ok {
			status, code = ge.StatusCode(), ge.ErrCode()
		}
		return c.Status(status).JSON(utils.ResponseData{
			Status:  status,
			Code:    code,
			Message: err.Error(),
			Results: msg,
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Message sent",
		Results: msg,
	})
}
