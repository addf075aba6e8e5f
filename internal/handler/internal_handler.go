package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/service"
)

type Ticker interface {
	Tick(ctx context.Context, workerID string) (*service.TickResult, error)
}

type CampaignActions interface {
	Handle(ctx context.Context, req service.ActionRequest) (*service.ActionResult, error)
}

// InternalHandler serves the secret-guarded endpoints used by schedulers and
// the campaign UI backend.
type InternalHandler struct {
	ticker   Ticker
	actions  CampaignActions
	workerID string
}

func NewInternalHandler(ticker Ticker, actions CampaignActions, workerID string) (*InternalHandler, error) {
	if ticker == nil {
		return nil, fmt.Errorf("ticker is required")
	}
	if actions == nil {
		return nil, fmt.Errorf("campaign actions are required")
	}
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	return &InternalHandler{ticker: ticker, actions: actions, workerID: workerID}, nil
}

func RegisterInternalRoutes(router fiber.Router, secret string, ticker Ticker, actions CampaignActions, workerID string) error {
	h, err := NewInternalHandler(ticker, actions, workerID)
	if err != nil {
		return err
	}

	internal := router.Group("/internal", RequireSecret(secret))
	internal.Post("/trigger", h.Trigger)
	internal.Post("/campaigns/:campaignId/actions", h.CampaignAction)

	return nil
}

// Trigger runs a single claim-and-process pass.
func (h *InternalHandler) Trigger(c *fiber.Ctx) error {
	res, err := h.ticker.Tick(c.UserContext(), h.workerID)
	if err != nil {
		return fmt.Errorf("failed to run worker tick: %w", err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

type campaignActionRequest struct {
	Action      string     `json:"action"`
	Channels    []string   `json:"channels"`
	TenantID    string     `json:"tenantId"`
	WorkspaceID string     `json:"workspaceId"`
	RunID       string     `json:"runId"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

func (h *InternalHandler) CampaignAction(c *fiber.Ctx) error {
	var req campaignActionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	action, err := service.ParseAction(req.Action)
	if err != nil {
		return toHTTPError(err)
	}
	if (action == service.ActionPause || action == service.ActionResume || action == service.ActionOptimize) &&
		strings.TrimSpace(req.RunID) == "" {
		return toHTTPError(fmt.Errorf("%w: runId is required for %s", domain.ErrValidation, action))
	}

	res, err := h.actions.Handle(c.UserContext(), service.ActionRequest{
		Action:      action,
		TenantID:    strings.TrimSpace(req.TenantID),
		WorkspaceID: strings.TrimSpace(req.WorkspaceID),
		CampaignID:  strings.TrimSpace(c.Params("campaignId")),
		RunID:       strings.TrimSpace(req.RunID),
		Channels:    req.Channels,
		ScheduledAt: req.ScheduledAt,
	})
	if errors.Is(err, service.ErrIntegrationsNotReady) && res != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(res)
	}
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if action == service.ActionLaunch {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(res)
}
