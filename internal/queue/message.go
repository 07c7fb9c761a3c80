package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
)

const (
	NotificationMessageVersion = 1
	NotificationRequestVersion = 1
)

// NotificationMessage asks the dispatcher to attempt delivery of a stored notification.
type NotificationMessage struct {
	Version        int             `json:"version"`
	NotificationID string          `json:"notificationId"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Channel        domain.Channel  `json:"channel"`
	Priority       domain.Priority `json:"priority"`
}

func NewNotificationMessage(n *domain.Notification) NotificationMessage {
	return NotificationMessage{
		Version:        NotificationMessageVersion,
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Channel:        n.Channel,
		Priority:       n.Priority,
	}
}

func (m NotificationMessage) Validate() error {
	if m.Version != NotificationMessageVersion {
		return fmt.Errorf("unsupported message version %d", m.Version)
	}
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}

// Message wraps m for the notifications topic, keyed by notification id.
func (m NotificationMessage) Message() (Message, error) {
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("invalid notification message: %w", err)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal notification message: %w", err)
	}
	return Message{
		Topic:         TopicNotifications,
		Key:           m.NotificationID,
		Body:          body,
		MessageID:     m.NotificationID,
		CorrelationID: m.CorrelationID,
		Priority:      m.Priority,
	}, nil
}

// NotificationRequest is a generic notification submitted by another service.
type NotificationRequest struct {
	Version        int                     `json:"version"`
	Type           domain.NotificationType `json:"type"`
	Channel        domain.Channel          `json:"channel"`
	Recipient      string                  `json:"recipient"`
	Subject        string                  `json:"subject,omitempty"`
	Body           string                  `json:"body"`
	Payload        json.RawMessage         `json:"payload,omitempty"`
	Priority       domain.Priority         `json:"priority"`
	IdempotencyKey string                  `json:"idempotencyKey,omitempty"`
	CorrelationID  string                  `json:"correlationId,omitempty"`
}

func (r NotificationRequest) Validate() error {
	if r.Version != NotificationRequestVersion {
		return fmt.Errorf("unsupported request version %d", r.Version)
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid type %q", r.Type)
	}
	if !r.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", r.Channel)
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", r.Priority)
	}
	if strings.TrimSpace(r.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	return nil
}

// AlertMessage wraps an alert event for the alerts topic, keyed by enrollment id.
func AlertMessage(ev domain.AlertEvent) (Message, error) {
	if err := ev.Validate(); err != nil {
		return Message{}, err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal alert event: %w", err)
	}
	return Message{
		Topic:         TopicAlerts,
		Key:           strconv.FormatInt(ev.EnrollmentID, 10),
		Body:          body,
		MessageID:     fmt.Sprintf("%d:%s", ev.EnrollmentID, ev.Type),
		CorrelationID: fmt.Sprintf("enrollment-%d", ev.EnrollmentID),
		Priority:      ev.Priority.NotificationPriority(),
	}, nil
}

// Decode unmarshals a delivery body into v, classifying failures as
// ErrInvalidMessage.
func Decode(d Delivery, v interface{ Validate() error }) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
