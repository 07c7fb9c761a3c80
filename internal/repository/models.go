package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"gorm.io/datatypes"
)

// AlertLedgerModel is the persistence model for alert_ledger. The composite
// primary key is the idempotence constraint.
type AlertLedgerModel struct {
	EnrollmentID int64            `gorm:"primaryKey;autoIncrement:false"`
	AlertType    domain.AlertType `gorm:"type:varchar(32);primaryKey"`
	CreatedAt    time.Time        `gorm:"not null"`
}

func (AlertLedgerModel) TableName() string {
	return "alert_ledger"
}

// EnrollmentProjectionModel maps the projection maintained by the enrollment service.
type EnrollmentProjectionModel struct {
	ID                    int64                   `gorm:"primaryKey;autoIncrement:false"`
	DoctorantID           int64                   `gorm:"not null"`
	DoctorantEmail        string                  `gorm:"type:varchar(255);not null"`
	DirectorEmail         string                  `gorm:"type:varchar(255)"`
	FirstEnrollmentDate   time.Time               `gorm:"type:date;not null"`
	Status                domain.EnrollmentStatus `gorm:"type:varchar(20);not null"`
	OrdinaryDerogation    bool                    `gorm:"not null;default:false"`
	ExceptionalDerogation bool                    `gorm:"not null;default:false"`
	UpdatedAt             time.Time
}

func (EnrollmentProjectionModel) TableName() string {
	return "enrollment_projections"
}

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID              string                  `gorm:"type:uuid;primaryKey"`
	CorrelationID   string                  `gorm:"type:varchar(64);not null"`
	IdempotencyKey  *string                 `gorm:"type:varchar(255)"`
	Type            domain.NotificationType `gorm:"type:varchar(48);not null"`
	Channel         domain.Channel          `gorm:"type:varchar(10);not null"`
	Priority        domain.Priority         `gorm:"type:varchar(10);not null"`
	Recipient       string                  `gorm:"type:varchar(255);not null"`
	Subject         string                  `gorm:"type:varchar(255);not null;default:''"`
	Body            string                  `gorm:"type:text;not null"`
	Payload         datatypes.JSON          `gorm:"type:jsonb"`
	Status          domain.Status           `gorm:"type:varchar(10);not null"`
	AttemptCount    int                     `gorm:"not null;default:0"`
	MaxAttempts     int                     `gorm:"not null;default:3"`
	LastError       *string                 `gorm:"type:text"`
	NextRetryAt     *time.Time              `gorm:"type:timestamptz"`
	SourceTopic     string                  `gorm:"type:varchar(64);not null;default:''"`
	SourcePartition int                     `gorm:"not null;default:0"`
	SourceOffset    int64                   `gorm:"not null;default:0"`
	ReprocessedFrom *string                 `gorm:"type:uuid"`
	DeadLetteredAt  *time.Time              `gorm:"type:timestamptz"`
	CreatedAt       time.Time
	SentAt          *time.Time `gorm:"type:timestamptz"`
	UpdatedAt       time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// NotificationAttemptModel is the persistence model for notification_attempts.
type NotificationAttemptModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	NotificationID string  `gorm:"type:uuid;not null"`
	AttemptNumber  int     `gorm:"not null"`
	StatusCode     *int    `gorm:"type:int"`
	Error          *string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (NotificationAttemptModel) TableName() string {
	return "notification_attempts"
}

// DeadLetterModel is the persistence model for dead_letter_entries.
type DeadLetterModel struct {
	ID                     string                  `gorm:"type:uuid;primaryKey"`
	NotificationID         string                  `gorm:"type:uuid;not null"`
	Type                   domain.NotificationType `gorm:"type:varchar(48);not null"`
	Channel                domain.Channel          `gorm:"type:varchar(10);not null"`
	Recipient              string                  `gorm:"type:varchar(255);not null"`
	Subject                string                  `gorm:"type:varchar(255);not null;default:''"`
	Body                   string                  `gorm:"type:text;not null"`
	OriginalPayload        datatypes.JSON          `gorm:"type:jsonb"`
	AttemptCount           int                     `gorm:"not null"`
	ErrorMessage           string                  `gorm:"type:text;not null"`
	Reason                 domain.FailureReason    `gorm:"type:varchar(32);not null"`
	SourceTopic            string                  `gorm:"type:varchar(64);not null;default:''"`
	SourcePartition        int                     `gorm:"not null;default:0"`
	SourceOffset           int64                   `gorm:"not null;default:0"`
	AddedAt                time.Time               `gorm:"type:timestamptz;not null"`
	Reprocessed            bool                    `gorm:"not null;default:false"`
	LastReprocessAttemptAt *time.Time              `gorm:"type:timestamptz"`
	ReplacementID          *string                 `gorm:"type:uuid"`
}

func (DeadLetterModel) TableName() string {
	return "dead_letter_entries"
}

func enrollmentModelToDomain(m *EnrollmentProjectionModel) domain.Enrollment {
	return domain.Enrollment{
		ID:                    m.ID,
		DoctorantID:           m.DoctorantID,
		DoctorantEmail:        m.DoctorantEmail,
		DirectorEmail:         m.DirectorEmail,
		FirstEnrollmentDate:   m.FirstEnrollmentDate,
		Status:                m.Status,
		OrdinaryDerogation:    m.OrdinaryDerogation,
		ExceptionalDerogation: m.ExceptionalDerogation,
	}
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:              n.ID,
		CorrelationID:   n.CorrelationID,
		IdempotencyKey:  n.IdempotencyKey,
		Type:            n.Type,
		Channel:         n.Channel,
		Priority:        n.Priority,
		Recipient:       n.Recipient,
		Subject:         n.Subject,
		Body:            n.Body,
		Payload:         jsonColumn(n.Payload),
		Status:          n.Status,
		AttemptCount:    n.AttemptCount,
		MaxAttempts:     n.MaxAttempts,
		LastError:       n.LastError,
		NextRetryAt:     n.NextRetryAt,
		SourceTopic:     n.Source.Topic,
		SourcePartition: n.Source.Partition,
		SourceOffset:    n.Source.Offset,
		ReprocessedFrom: n.ReprocessedFrom,
		DeadLetteredAt:  n.DeadLetteredAt,
		CreatedAt:       n.CreatedAt,
		SentAt:          n.SentAt,
		UpdatedAt:       n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:             m.ID,
		CorrelationID:  m.CorrelationID,
		IdempotencyKey: m.IdempotencyKey,
		Type:           m.Type,
		Channel:        m.Channel,
		Priority:       m.Priority,
		Recipient:      m.Recipient,
		Subject:        m.Subject,
		Body:           m.Body,
		Payload:        json.RawMessage(m.Payload),
		Status:         m.Status,
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		LastError:      m.LastError,
		NextRetryAt:    m.NextRetryAt,
		Source: domain.SourcePosition{
			Topic:     m.SourceTopic,
			Partition: m.SourcePartition,
			Offset:    m.SourceOffset,
		},
		ReprocessedFrom: m.ReprocessedFrom,
		DeadLetteredAt:  m.DeadLetteredAt,
		CreatedAt:       m.CreatedAt,
		SentAt:          m.SentAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.NotificationAttempt) *NotificationAttemptModel {
	if a == nil {
		return nil
	}

	return &NotificationAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		StatusCode:     a.StatusCode,
		Error:          a.Error,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *NotificationAttemptModel) *domain.NotificationAttempt {
	if m == nil {
		return nil
	}

	return &domain.NotificationAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptNumber:  m.AttemptNumber,
		StatusCode:     m.StatusCode,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	}
}

func deadLetterModelFromDomain(e *domain.DeadLetterEntry) *DeadLetterModel {
	if e == nil {
		return nil
	}

	return &DeadLetterModel{
		ID:                     e.ID,
		NotificationID:         e.NotificationID,
		Type:                   e.Type,
		Channel:                e.Channel,
		Recipient:              e.Recipient,
		Subject:                e.Subject,
		Body:                   e.Body,
		OriginalPayload:        jsonColumn(e.OriginalPayload),
		AttemptCount:           e.AttemptCount,
		ErrorMessage:           e.ErrorMessage,
		Reason:                 e.Reason,
		SourceTopic:            e.Position.Topic,
		SourcePartition:        e.Position.Partition,
		SourceOffset:           e.Position.Offset,
		AddedAt:                e.AddedAt,
		Reprocessed:            e.Reprocessed,
		LastReprocessAttemptAt: e.LastReprocessAttemptAt,
		ReplacementID:          e.ReplacementID,
	}
}

func deadLetterModelToDomain(m *DeadLetterModel) *domain.DeadLetterEntry {
	if m == nil {
		return nil
	}

	return &domain.DeadLetterEntry{
		ID:              m.ID,
		NotificationID:  m.NotificationID,
		Type:            m.Type,
		Channel:         m.Channel,
		Recipient:       m.Recipient,
		Subject:         m.Subject,
		Body:            m.Body,
		OriginalPayload: json.RawMessage(m.OriginalPayload),
		AttemptCount:    m.AttemptCount,
		ErrorMessage:    m.ErrorMessage,
		Reason:          m.Reason,
		Position: domain.SourcePosition{
			Topic:     m.SourceTopic,
			Partition: m.SourcePartition,
			Offset:    m.SourceOffset,
		},
		AddedAt:                m.AddedAt,
		Reprocessed:            m.Reprocessed,
		LastReprocessAttemptAt: m.LastReprocessAttemptAt,
		ReplacementID:          m.ReplacementID,
	}
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}
