package rest

import (
	"context"
	"time"

	"github.com/AzielCF/az-dispatch/messaging/domain/conversation"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type ConversationLedger interface {
	Get(ctx context.Context, conversationID string) (conversation.Conversation, error)
	List(ctx context.Context, sessionID string, f conversation.Filter) ([]conversation.Conversation, error)
	History(ctx context.Context, conversationID string, limit int, before time.Time) ([]message.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	Assign(ctx context.Context, conversationID, agent string) error
	Archive(ctx context.Context, conversationID string) error
}

type Conversation struct {
	Ledger ConversationLedger
}

type assignRequest struct {
	Agent string `json:"agent"`
}

func InitRestConversation(api fiber.Router, ledger ConversationLedger) Conversation {
	handler := Conversation{Ledger: ledger}

	api.Get("/sessions/:id/conversations", handler.List)

	group := api.Group("/conversations")
	group.Get("/:id", handler.Get)
	group.Get("/:id/messages", handler.Messages)
	group.Post("/:id/read", handler.MarkRead)
	group.Post("/:id/assign", handler.Assign)
	group.Post("/:id/archive", handler.Archive)

	return handler
}

// List filters with ?archived=true, ?unread=true, ?agent=, ?limit= and
// ?offset=.
func (h *Conversation) List(c *fiber.Ctx) error {
	filter := conversation.Filter{
		IncludeArchived: c.QueryBool("archived", false),
		UnreadOnly:      c.QueryBool("unread", false),
		AssignedAgent:   c.Query("agent"),
		Limit:           pageSize(c),
		Offset:          max(c.QueryInt("offset", 0), 0),
	}
	conversations, err := h.Ledger.List(c.UserContext(), c.Params("id"), filter)
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Conversations retrieved",
		Results: conversations,
	})
}

func (h *Conversation) Get(c *fiber.Ctx) error {
	conv, err := h.Ledger.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Conversation retrieved",
		Results: conv,
	})
}

// Messages pages backwards with ?before=<RFC3339>.
func (h *Conversation) Messages(c *fiber.Ctx) error {
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return pkgError.ValidationError("before must be an RFC3339 timestamp")
		}
		before = t
	}
	messages, err := h.Ledger.History(c.UserContext(), c.Params("id"), pageSize(c), before)
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Messages retrieved",
		Results: messages,
	})
}

func (h *Conversation) MarkRead(c *fiber.Ctx) error {
	if err := h.Ledger.MarkRead(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Conversation marked as read",
	})
}

// Assign with an empty agent clears the assignment.
func (h *Conversation) Assign(c *fiber.Ctx) error {
	var req assignRequest
	if err := c.BodyParser(&req); err != nil {
		return pkgError.ValidationError("invalid request body: " + err.Error())
	}
	if err := h.Ledger.Assign(c.UserContext(), c.Params("id"), req.Agent); err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Conversation assigned",
	})
}

func (h *Conversation) Archive(c *fiber.Ctx) error {
	if err := h.Ledger.Archive(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Conversation archived",
	})
}

func pageSize(c *fiber.Ctx) int {
	n := c.QueryInt("limit", defaultPageSize)
	if n <= 0 {
		return defaultPageSize
	}
	return min(n, maxPageSize)
}
