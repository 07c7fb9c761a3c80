package domain

import (
	"encoding/json"
	"time"
)

// FailureReason explains why a notification was dead-lettered.
type FailureReason string

const (
	FailurePermanent      FailureReason = "permanent_error"
	FailureRetryExhausted FailureReason = "retry_exhausted"
)

func (r FailureReason) String() string { return string(r) }

// DeadLetterEntry is the durable snapshot of a notification whose delivery
// failed terminally. Only the reprocess fields are ever updated.
type DeadLetterEntry struct {
	ID                     string
	NotificationID         string
	Type                   NotificationType
	Channel                Channel
	Recipient              string
	Subject                string
	Body                   string
	OriginalPayload        json.RawMessage
	AttemptCount           int
	ErrorMessage           string
	Reason                 FailureReason
	Position               SourcePosition
	AddedAt                time.Time
	Reprocessed            bool
	LastReprocessAttemptAt *time.Time
	ReplacementID          *string
}

// NewDeadLetterEntry snapshots n as it stands after its final attempt.
func NewDeadLetterEntry(id string, n *Notification, cause string, reason FailureReason, at time.Time) *DeadLetterEntry {
	payload := make(json.RawMessage, len(n.Payload))
	copy(payload, n.Payload)

	return &DeadLetterEntry{
		ID:              id,
		NotificationID:  n.ID,
		Type:            n.Type,
		Channel:         n.Channel,
		Recipient:       n.Recipient,
		Subject:         n.Subject,
		Body:            n.Body,
		OriginalPayload: payload,
		AttemptCount:    n.AttemptCount,
		ErrorMessage:    cause,
		Reason:          reason,
		Position:        n.Source,
		AddedAt:         at,
	}
}

// Replay builds the fresh notification re-submitted from the entry.
func (e *DeadLetterEntry) Replay(id string, maxAttempts int, priority Priority) *Notification {
	payload := make(json.RawMessage, len(e.OriginalPayload))
	copy(payload, e.OriginalPayload)
	from := e.ID

	return &Notification{
		ID:              id,
		CorrelationID:   e.NotificationID,
		Type:            e.Type,
		Channel:         e.Channel,
		Priority:        priority,
		Recipient:       e.Recipient,
		Subject:         e.Subject,
		Body:            e.Body,
		Payload:         payload,
		Status:          StatusPending,
		AttemptCount:    0,
		MaxAttempts:     maxAttempts,
		Source:          e.Position,
		ReprocessedFrom: &from,
	}
}
