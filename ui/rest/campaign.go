package rest

import (
	"context"

	"github.com/AzielCF/az-dispatch/broadcast/domain"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type CampaignService interface {
	Create(ctx context.Context, req domain.CreateRequest) (domain.Campaign, error)
	Schedule(ctx context.Context, id string, req domain.ScheduleRequest) (domain.Campaign, error)
	Cancel(ctx context.Context, id string) (domain.Campaign, error)
	Get(ctx context.Context, id string) (domain.Campaign, error)
	List(ctx context.Context, workspaceID string) ([]domain.Campaign, error)
}

type Campaign struct {
	Service CampaignService
}

func InitRestCampaign(api fiber.Router, service CampaignService) Campaign {
	handler := Campaign{Service: service}

	group := api.Group("/campaigns")
	group.Post("/", handler.Create)
	group.Get("/", handler.List)
	group.Get("/:id", handler.Get)
	group.Post("/:id/schedule", handler.Schedule)
	group.Post("/:id/cancel", handler.Cancel)

	return handler
}

func (h *Campaign) Create(c *fiber.Ctx) error {
	var req domain.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return pkgError.ValidationError("invalid request body: " + err.Error())
	}
	campaign, err := h.Service.Create(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(utils.ResponseData{
		Status:  fiber.StatusCreated,
		Code:    "SUCCESS",
		Message: "Campaign created",
		Results: campaign,
	})
}

func (h *Campaign) List(c *fiber.Ctx) error {
	campaigns, err := h.Service.List(c.UserContext(), c.Query("workspace_id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Campaigns retrieved",
		Results: campaigns,
	})
}

func (h *Campaign) Get(c *fiber.Ctx) error {
	campaign, err := h.Service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Campaign retrieved",
		Results: campaign,
	})
}

// Schedule accepts an empty body, which means start now.
func (h *Campaign) Schedule(c *fiber.Ctx) error {
	var req domain.ScheduleRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return pkgError.ValidationError("invalid request body: " + err.Error())
		}
	}
	campaign, err := h.Service.Schedule(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Campaign scheduled",
		Results: campaign,
	})
}

func (h *Campaign) Cancel(c *fiber.Ctx) error {
	campaign, err := h.Service.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	msg := "Campaign cancelled"
	if !campaign.State.Terminal() {
		// Running campaigns stop once in-flight sends finish.
		msg = "Cancellation requested"
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: msg,
		Results: campaign,
	})
}
