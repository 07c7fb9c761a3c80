package domain

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSent     Status = "SENT"
	StatusFailed   Status = "FAILED"
	StatusRetrying Status = "RETRYING"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// Dispatchable reports whether a delivery attempt may start from s.
func (s Status) Dispatchable() bool {
	return s == StatusPending || s == StatusRetrying
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusSent, StatusFailed},
	StatusFailed:   {StatusRetrying},
	StatusRetrying: {StatusSent, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the delivery state machine.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Priority represents the stored notification priority.
type Priority string

const (
	PriorityNormale Priority = "NORMALE"
	PriorityHaute   Priority = "HAUTE"
	PriorityUrgente Priority = "URGENTE"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityNormale, PriorityHaute, PriorityUrgente:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// NotificationType is the closed set of business events that produce notifications.
type NotificationType string

const (
	TypeDurationApproaching3Years NotificationType = "DURATION_APPROACHING_3_YEARS"
	TypeDurationApproaching6Years NotificationType = "DURATION_APPROACHING_6_YEARS"
	TypeDurationExceeded6Years    NotificationType = "DURATION_EXCEEDED_6_YEARS"
	TypeEnrollmentSubmitted       NotificationType = "ENROLLMENT_SUBMITTED"
	TypeEnrollmentValidated       NotificationType = "ENROLLMENT_VALIDATED"
	TypeEnrollmentRejected        NotificationType = "ENROLLMENT_REJECTED"
	TypeDerogationGranted         NotificationType = "DEROGATION_GRANTED"
	TypeDerogationRefused         NotificationType = "DEROGATION_REFUSED"
	TypeDefenseRequested          NotificationType = "DEFENSE_REQUESTED"
	TypeDefenseAuthorized         NotificationType = "DEFENSE_AUTHORIZED"
	TypeDefenseScheduled          NotificationType = "DEFENSE_SCHEDULED"
	TypeDocumentMissing           NotificationType = "DOCUMENT_MISSING"
)

var notificationTypes = map[NotificationType]struct{}{
	TypeDurationApproaching3Years: {},
	TypeDurationApproaching6Years: {},
	TypeDurationExceeded6Years:    {},
	TypeEnrollmentSubmitted:       {},
	TypeEnrollmentValidated:       {},
	TypeEnrollmentRejected:        {},
	TypeDerogationGranted:         {},
	TypeDerogationRefused:         {},
	TypeDefenseRequested:          {},
	TypeDefenseAuthorized:         {},
	TypeDefenseScheduled:          {},
	TypeDocumentMissing:           {},
}

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	_, ok := notificationTypes[t]
	return ok
}

func ParseNotificationTypeFromString(s string) (NotificationType, error) {
	nt := NotificationType(strings.ToUpper(strings.TrimSpace(s)))
	if !nt.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return nt, nil
}

// Content limits per channel (in characters).
const (
	MaxSMSContent   = 480
	MaxEmailContent = 20000
)

// SourcePosition locates the bus message a notification was materialised from.
type SourcePosition struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

func (p SourcePosition) IsZero() bool {
	return p.Topic == "" && p.Partition == 0 && p.Offset == 0
}

// Notification is a message to be delivered to one recipient.
type Notification struct {
	ID              string
	CorrelationID   string
	IdempotencyKey  *string
	Type            NotificationType
	Channel         Channel
	Priority        Priority
	Recipient       string
	Subject         string
	Body            string
	Payload         json.RawMessage
	Status          Status
	AttemptCount    int
	MaxAttempts     int
	LastError       *string
	NextRetryAt     *time.Time
	Source          SourcePosition
	ReprocessedFrom *string
	DeadLetteredAt  *time.Time
	CreatedAt       time.Time
	SentAt          *time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether no further delivery will be attempted.
func (n *Notification) Terminal() bool {
	return n.Status == StatusSent || (n.Status == StatusFailed && n.DeadLetteredAt != nil)
}

func (n *Notification) Validate() error {
	if !n.Type.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, n.Type)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}
	if !n.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, n.Priority)
	}
	if strings.TrimSpace(n.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if strings.TrimSpace(n.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrValidation)
	}

	bodyLen := len([]rune(n.Body))
	switch n.Channel {
	case ChannelEmail:
		if strings.TrimSpace(n.Subject) == "" {
			return fmt.Errorf("%w: subject is required for email", ErrValidation)
		}
		if bodyLen > MaxEmailContent {
			return fmt.Errorf("%w: email body exceeds %d characters (got %d)", ErrValidation, MaxEmailContent, bodyLen)
		}
	case ChannelSMS:
		if bodyLen > MaxSMSContent {
			return fmt.Errorf("%w: SMS body exceeds %d characters (got %d)", ErrValidation, MaxSMSContent, bodyLen)
		}
	}

	return nil
}

// ValidateRecipient checks the address format for the notification channel.
func (n *Notification) ValidateRecipient() error {
	switch n.Channel {
	case ChannelEmail:
		addr, err := mail.ParseAddress(n.Recipient)
		if err != nil || addr.Address != strings.TrimSpace(n.Recipient) {
			return fmt.Errorf("%w: malformed email recipient %q", ErrValidation, n.Recipient)
		}
	case ChannelSMS:
		digits := strings.TrimPrefix(strings.TrimSpace(n.Recipient), "+")
		if len(digits) < 8 || strings.TrimFunc(digits, func(r rune) bool { return r >= '0' && r <= '9' }) != "" {
			return fmt.Errorf("%w: malformed phone recipient %q", ErrValidation, n.Recipient)
		}
	}
	return nil
}

// RetryDelay is the earliest delay before the next retry after attemptCount attempts.
func RetryDelay(step time.Duration, attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	return step * time.Duration(attemptCount)
}
