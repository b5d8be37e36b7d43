package rest

import (
	"context"

	"github.com/AzielCF/az-dispatch/autoreply/domain"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type RuleService interface {
	Create(ctx context.Context, sessionID string, req domain.RuleRequest) (domain.Rule, error)
	Update(ctx context.Context, id string, req domain.RuleRequest) (domain.Rule, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Rule, error)
	List(ctx context.Context, sessionID string) ([]domain.Rule, error)
}

type Rule struct {
	Service RuleService
}

func InitRestRule(api fiber.Router, service RuleService) Rule {
	handler := Rule{Service: service}

	api.Post("/sessions/:id/rules", handler.Create)
	api.Get("/sessions/:id/rules", handler.List)

	group := api.Group("/rules")
	group.Get("/:id", handler.Get)
	group.Put("/:id", handler.Update)
	group.Delete("/:id", handler.Delete)

	return handler
}

func (h *Rule) Create(c *fiber.Ctx) error {
	var req domain.RuleRequest
	if err := c.BodyParser(&req); err != nil {
		return pkgError.ValidationError("invalid request body: " + err.Error())
	}
	rule, err := h.Service.Create(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(utils.ResponseData{
		Status:  fiber.StatusCreated,
		Code:    "SUCCESS",
		Message: "Rule created",
		Results: rule,
	})
}

func (h *Rule) List(c *fiber.Ctx) error {
	rules, err := h.Service.List(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Rules retrieved",
		Results: rules,
	})
}

func (h *Rule) Get(c *fiber.Ctx) error {
	rule, err := h.Service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Rule retrieved",
		Results: rule,
	})
}

func (h *Rule) Update(c *fiber.Ctx) error {
	var req domain.RuleRequest
	if err := c.BodyParser(&req); err != nil {
		return pkgError.ValidationError("invalid request body: " + err.Error())
	}
	rule, err := h.Service.Update(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Rule updated",
		Results: rule,
	})
}

func (h *Rule) Delete(c *fiber.Ctx) error {
	if err := h.Service.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Rule deleted",
	})
}
