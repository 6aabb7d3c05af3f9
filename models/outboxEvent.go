package models

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
)

// Outbox publish statuses for QualityCheckEventRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

const (
	EventTypeQualityCheckCompleted   = "quality_check.completed"
	EventTypeInventoryConverted      = "quality_check.inventory_converted"
	EventTypeInventoryConvertFailure = "quality_check.inventory_conversion_failed"
)

// QualityCheckEventRecord is written in the same transaction as the state change;
// the dispatcher publishes it after commit.
type QualityCheckEventRecord struct {
	ID               int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" db:"id" json:"id"`
	EventType        string     `gorm:"size:60;not null;index" db:"event_type" json:"event_type"`
	QualityCheckId   string     `gorm:"size:36;not null;index" db:"quality_check_id" json:"quality_check_id"`
	PurchaseOrderId  string     `gorm:"size:36;not null;index" db:"purchase_order_id" json:"purchase_order_id"`
	OccurredAt       time.Time  `gorm:"not null" db:"occurred_at" json:"occurred_at"`
	Payload          []byte     `gorm:"type:blob" db:"payload" json:"payload"`
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" db:"publish_status" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" db:"published_at" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" db:"pub_sub_message_id" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" db:"publish_attempts" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" db:"next_attempt_at" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" db:"locked_at" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" db:"locked_by" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" db:"last_publish_error" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" db:"correlation_id" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" db:"updated_at" json:"updated_at"`
}

// NewQualityCheckEvent marshals payload; a marshal failure leaves the payload empty.
func NewQualityCheckEvent(eventType string, qc QualityCheck, payload any, correlationId string, now time.Time) *QualityCheckEventRecord {
	b, _ := json.Marshal(payload)
	return &QualityCheckEventRecord{
		EventType:       eventType,
		QualityCheckId:  qc.ID,
		PurchaseOrderId: qc.PurchaseOrderId,
		OccurredAt:      now,
		Payload:         b,
		PublishStatus:   OutboxPublishStatusPending,
		CorrelationId:   correlationId,
	}
}

func ConvertToEventMessage(record QualityCheckEventRecord) config.QualityCheckEventMessage {
	return config.QualityCheckEventMessage{
		ID:              record.ID,
		EventType:       record.EventType,
		QualityCheckId:  record.QualityCheckId,
		PurchaseOrderId: record.PurchaseOrderId,
		OccurredAt:      record.OccurredAt,
		Payload:         record.Payload,
		CorrelationId:   record.CorrelationId,
	}
}

// OutboxStatus is a UI-facing view of the latest outbox row for a quality check.
type OutboxStatus struct {
	RecordId         int        `json:"record_id"`
	EventType        string     `json:"event_type"`
	PublishStatus    string     `json:"publish_status"`
	PublishAttempts  int        `json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LastPublishError *string    `json:"last_publish_error"`
	CreatedAt        time.Time  `json:"created_at"`
	PublishedAt      *time.Time `json:"published_at"`
}

func (r QualityCheckEventRecord) Status() OutboxStatus {
	return OutboxStatus{
		RecordId:         r.ID,
		EventType:        r.EventType,
		PublishStatus:    r.PublishStatus,
		PublishAttempts:  r.PublishAttempts,
		NextAttemptAt:    r.NextAttemptAt,
		LastPublishError: r.LastPublishError,
		CreatedAt:        r.CreatedAt,
		PublishedAt:      r.PublishedAt,
	}
}

// OutboxClaim parameterizes one dispatcher poll.
type OutboxClaim struct {
	DispatcherId string
	BatchSize    int
	MaxAttempts  int
	Now          time.Time
	StaleBefore  time.Time
}
