package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
)

// NotificationReader is the read side of the notification store.
type NotificationReader interface {
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

type AttemptReader interface {
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error)
}

type NotificationHandler struct {
	notifications NotificationReader
	attempts      AttemptReader
}

func NewNotificationHandler(notifications NotificationReader, attempts AttemptReader) (*NotificationHandler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification reader is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt reader is required")
	}
	return &NotificationHandler{notifications: notifications, attempts: attempts}, nil
}

func RegisterNotificationRoutes(router fiber.Router, notifications NotificationReader, attempts AttemptReader) error {
	h, err := NewNotificationHandler(notifications, attempts)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/notifications/:id", h.GetNotification)

	return nil
}

type notificationResponse struct {
	ID              string                 `json:"id"`
	CorrelationID   string                 `json:"correlationId"`
	IdempotencyKey  *string                `json:"idempotencyKey,omitempty"`
	Type            string                 `json:"type"`
	Channel         string                 `json:"channel"`
	Priority        string                 `json:"priority"`
	Recipient       string                 `json:"recipient"`
	Subject         string                 `json:"subject,omitempty"`
	Body            string                 `json:"body"`
	Payload         json.RawMessage        `json:"payload,omitempty"`
	Status          string                 `json:"status"`
	AttemptCount    int                    `json:"attemptCount"`
	MaxAttempts     int                    `json:"maxAttempts"`
	LastError       *string                `json:"lastError,omitempty"`
	NextRetryAt     *time.Time             `json:"nextRetryAt,omitempty"`
	Source          *domain.SourcePosition `json:"source,omitempty"`
	ReprocessedFrom *string                `json:"reprocessedFrom,omitempty"`
	DeadLetteredAt  *time.Time             `json:"deadLetteredAt,omitempty"`
	SentAt          *time.Time             `json:"sentAt,omitempty"`
	CreatedAt       time.Time              `json:"createdAt,omitempty"`
	UpdatedAt       time.Time              `json:"updatedAt,omitempty"`
	Attempts        []attemptResponse      `json:"attempts,omitempty"`
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.notifications.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts, err := h.attempts.GetByNotificationID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	resp := toNotificationResponse(notification)
	resp.Attempts = make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			AttemptNumber: a.AttemptNumber,
			StatusCode:    a.StatusCode,
			Error:         a.Error,
			CreatedAt:     a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.notifications.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		data = append(data, toNotificationResponse(&notifications[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return repository.ListParams{}, err
	}
	params := repository.ListParams{Page: page, PageSize: pageSize}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	return params, nil
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	resp := notificationResponse{
		ID:              n.ID,
		CorrelationID:   n.CorrelationID,
		IdempotencyKey:  n.IdempotencyKey,
		Type:            n.Type.String(),
		Channel:         n.Channel.String(),
		Priority:        n.Priority.String(),
		Recipient:       n.Recipient,
		Subject:         n.Subject,
		Body:            n.Body,
		Payload:         n.Payload,
		Status:          n.Status.String(),
		AttemptCount:    n.AttemptCount,
		MaxAttempts:     n.MaxAttempts,
		LastError:       n.LastError,
		NextRetryAt:     n.NextRetryAt,
		ReprocessedFrom: n.ReprocessedFrom,
		DeadLetteredAt:  n.DeadLetteredAt,
		SentAt:          n.SentAt,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
	if !n.Source.IsZero() {
		source := n.Source
		resp.Source = &source
	}
	return resp
}
