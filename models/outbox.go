package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"gorm.io/gorm"
)

// AuditOutboxRecord is the transactional outbox row for confirmation side
// effects (audit trail entries, equipment/operator usage, genealogy events).
// Rows are written inside the confirmation transaction and published to
// Pub/Sub after commit by the dispatcher.
type AuditOutboxRecord struct {
	ID            int                 `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string              `gorm:"size:64;not null;index" json:"business_id"`
	EventDateTime time.Time           `gorm:"index;not null" json:"event_date_time"`
	ReferenceId   int                 `json:"reference_id"`
	ReferenceType OutboxReferenceType `gorm:"type:enum('AUDIT','USAGE','GENEALOGY')" json:"reference_type"`
	Action        PubSubMessageAction `gorm:"type:enum('C','U','D')" json:"action"`
	Payload       []byte              `gorm:"type:blob" json:"payload"`
	// publish state machine (dispatch happens after commit)
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r AuditOutboxRecord) GetBusinessId() string {
	return r.BusinessId
}

// Outbox publish statuses for AuditOutboxRecord.PublishStatus.
// Keep these as strings (DB values).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// AuditLogEntry is the audit-trail collaborator payload.
type AuditLogEntry struct {
	EntityType string `json:"entity_type"`
	EntityId   int    `json:"entity_id"`
	Action     string `json:"action"`
	FieldName  string `json:"field_name,omitempty"`
	OldValue   string `json:"old_value,omitempty"`
	NewValue   string `json:"new_value,omitempty"`
	ChangedBy  string `json:"changed_by"`
}

// UsageRecord is the equipment/operator usage collaborator payload.
type UsageRecord struct {
	OperationId  int       `json:"operation_id"`
	EquipmentIds []int     `json:"equipment_ids"`
	OperatorIds  []int     `json:"operator_ids"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

func ConvertToPubSubMessage(record AuditOutboxRecord) config.PubSubMessage {
	return config.PubSubMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		EventDateTime: record.EventDateTime,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

// EnqueueOutboxTx writes one side-effect record inside an existing
// transaction. The payload is marshaled here so a bad payload fails the
// business transaction, not the dispatcher.
func EnqueueOutboxTx(ctx context.Context, tx *gorm.DB, businessId string, referenceType OutboxReferenceType, referenceId int, action PubSubMessageAction, payload interface{}, correlationId string) (*AuditOutboxRecord, error) {

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	record := AuditOutboxRecord{
		BusinessId:    businessId,
		EventDateTime: time.Now(),
		ReferenceId:   referenceId,
		ReferenceType: referenceType,
		Action:        action,
		Payload:       body,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}
