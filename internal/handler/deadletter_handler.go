package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
)

// DeadLetterService inspects and replays the dead-letter archive.
type DeadLetterService interface {
	Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error)
	Reprocess(ctx context.Context, id string) (*domain.Notification, error)
}

type DeadLetterHandler struct {
	service DeadLetterService
}

func NewDeadLetterHandler(service DeadLetterService) (*DeadLetterHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("dead letter service is required")
	}
	return &DeadLetterHandler{service: service}, nil
}

func RegisterDeadLetterRoutes(router fiber.Router, service DeadLetterService) error {
	h, err := NewDeadLetterHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/dead-letters", h.ListDeadLetters)
	v1.Get("/dead-letters/:id", h.GetDeadLetter)
	v1.Post("/dead-letters/:id/reprocess", h.ReprocessDeadLetter)

	return nil
}

type deadLetterResponse struct {
	ID                     string                `json:"id"`
	NotificationID         string                `json:"notificationId"`
	Type                   string                `json:"type"`
	Channel                string                `json:"channel"`
	Recipient              string                `json:"recipient"`
	Subject                string                `json:"subject,omitempty"`
	Body                   string                `json:"body"`
	OriginalPayload        json.RawMessage       `json:"originalPayload,omitempty"`
	AttemptCount           int                   `json:"attemptCount"`
	ErrorMessage           string                `json:"errorMessage"`
	Reason                 string                `json:"reason"`
	Position               domain.SourcePosition `json:"position"`
	AddedAt                time.Time             `json:"addedAt"`
	Reprocessed            bool                  `json:"reprocessed"`
	LastReprocessAttemptAt *time.Time            `json:"lastReprocessAttemptAt,omitempty"`
	ReplacementID          *string               `json:"replacementId,omitempty"`
}

type listDeadLettersResponse struct {
	Data []deadLetterResponse `json:"data"`
	Meta listMeta             `json:"meta"`
}

func (h *DeadLetterHandler) GetDeadLetter(c *fiber.Ctx) error {
	entry, err := h.service.Get(c.Context(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toDeadLetterResponse(entry))
}

func (h *DeadLetterHandler) ListDeadLetters(c *fiber.Ctx) error {
	params, err := parseDeadLetterListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	entries, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deadLetterResponse, 0, len(entries))
	for i := range entries {
		data = append(data, toDeadLetterResponse(&entries[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listDeadLettersResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *DeadLetterHandler) ReprocessDeadLetter(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	replacement, err := h.service.Reprocess(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"deadLetterId": id,
		"notification": toNotificationResponse(replacement),
	})
}

func parseDeadLetterListParams(c *fiber.Ctx) (repository.DeadLetterListParams, error) {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return repository.DeadLetterListParams{}, err
	}
	params := repository.DeadLetterListParams{Page: page, PageSize: pageSize}

	if rawReason := strings.TrimSpace(c.Query("reason")); rawReason != "" {
		reason := domain.FailureReason(strings.ToLower(rawReason))
		if reason != domain.FailurePermanent && reason != domain.FailureRetryExhausted {
			return repository.DeadLetterListParams{}, fmt.Errorf("%w: invalid reason %q", domain.ErrValidation, rawReason)
		}
		params.Reason = &reason
	}

	if rawReprocessed := strings.TrimSpace(c.Query("reprocessed")); rawReprocessed != "" {
		reprocessed, err := strconv.ParseBool(rawReprocessed)
		if err != nil {
			return repository.DeadLetterListParams{}, fmt.Errorf("%w: reprocessed must be a boolean", domain.ErrValidation)
		}
		params.Reprocessed = &reprocessed
	}

	return params, nil
}

func toDeadLetterResponse(e *domain.DeadLetterEntry) deadLetterResponse {
	return deadLetterResponse{
		ID:                     e.ID,
		NotificationID:         e.NotificationID,
		Type:                   e.Type.String(),
		Channel:                e.Channel.String(),
		Recipient:              e.Recipient,
		Subject:                e.Subject,
		Body:                   e.Body,
		OriginalPayload:        e.OriginalPayload,
		AttemptCount:           e.AttemptCount,
		ErrorMessage:           e.ErrorMessage,
		Reason:                 e.Reason.String(),
		Position:               e.Position,
		AddedAt:                e.AddedAt,
		Reprocessed:            e.Reprocessed,
		LastReprocessAttemptAt: e.LastReprocessAttemptAt,
		ReplacementID:          e.ReplacementID,
	}
}
