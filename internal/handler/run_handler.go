package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"github.com/kursadbilgin/campaign-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type RunReports interface {
	Get(ctx context.Context, runID string) (*service.RunReport, error)
	ListOutbox(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEntry, int64, error)
}

type RunHandler struct {
	runs RunReports
}

func NewRunHandler(runs RunReports) (*RunHandler, error) {
	if runs == nil {
		return nil, fmt.Errorf("run reports are required")
	}
	return &RunHandler{runs: runs}, nil
}

func RegisterRunRoutes(router fiber.Router, runs RunReports) error {
	h, err := NewRunHandler(runs)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/runs/:id", h.GetRun)
	v1.Get("/runs/:id/outbox", h.ListOutbox)

	return nil
}

func (h *RunHandler) GetRun(c *fiber.Ctx) error {
	report, err := h.runs.Get(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

type outboxEntryResponse struct {
	ID                string    `json:"id"`
	JobID             string    `json:"jobId"`
	Channel           string    `json:"channel"`
	RecipientID       string    `json:"recipientId"`
	Provider          string    `json:"provider,omitempty"`
	IdempotencyKey    string    `json:"idempotencyKey"`
	Status            string    `json:"status"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	Error             *string   `json:"error,omitempty"`
	SkipReason        *string   `json:"skipReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type listOutboxResponse struct {
	Data []outboxEntryResponse `json:"data"`
	Meta listMeta              `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *RunHandler) ListOutbox(c *fiber.Ctx) error {
	params, err := parseOutboxParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	entries, total, err := h.runs.ListOutbox(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]outboxEntryResponse, 0, len(entries))
	for i := range entries {
		data = append(data, toOutboxEntryResponse(&entries[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listOutboxResponse{
		Data: data,
		Meta: listMeta{Page: params.Page, PageSize: params.PageSize, Total: total},
	})
}

func parseOutboxParams(c *fiber.Ctx) (repository.OutboxListParams, error) {
	params := repository.OutboxListParams{
		RunID:    strings.TrimSpace(c.Params("id")),
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.OutboxListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.OutboxListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := domain.ParseOutboxStatusFromString(raw)
		if err != nil {
			return repository.OutboxListParams{}, err
		}
		params.Status = &status
	}

	if raw := strings.TrimSpace(c.Query("channel")); raw != "" {
		channel, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return repository.OutboxListParams{}, err
		}
		params.Channel = &channel
	}

	return params, nil
}

func toOutboxEntryResponse(e *domain.OutboxEntry) outboxEntryResponse {
	return outboxEntryResponse{
		ID:                e.ID,
		JobID:             e.JobID,
		Channel:           e.Channel.String(),
		RecipientID:       e.RecipientID,
		Provider:          e.Provider,
		IdempotencyKey:    e.IdempotencyKey,
		Status:            e.Status.String(),
		ProviderMessageID: e.ProviderMessageID,
		Error:             e.Error,
		SkipReason:        e.SkipReason,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}
