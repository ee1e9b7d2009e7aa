package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"gorm.io/gorm"
)

// AuditLog is the materialized form of an AUDIT outbox payload, written by the
// side-effect consumer after the publishing transaction has committed.
type AuditLog struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"index" json:"business_id"`
	OutboxRecordId int       `gorm:"uniqueIndex:uniq_audit_outbox" json:"outbox_record_id"`
	EntityType     string    `gorm:"size:100" json:"entity_type"`
	EntityId       int       `json:"entity_id"`
	Action         string    `gorm:"size:50" json:"action"`
	FieldName      string    `gorm:"size:100" json:"field_name"`
	OldValue       string    `json:"old_value"`
	NewValue       string    `json:"new_value"`
	ChangedBy      string    `gorm:"size:100" json:"changed_by"`
	EventDateTime  time.Time `json:"event_date_time"`
	CorrelationId  string    `gorm:"size:36;index" json:"correlation_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// UsageLog is the materialized form of a USAGE outbox payload (equipment and
// operator time bookings for a confirmed operation).
type UsageLog struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"index" json:"business_id"`
	OutboxRecordId int       `gorm:"uniqueIndex:uniq_usage_outbox" json:"outbox_record_id"`
	OperationId    int       `gorm:"index" json:"operation_id"`
	EquipmentIds   string    `json:"equipment_ids"`
	OperatorIds    string    `json:"operator_ids"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	CorrelationId  string    `gorm:"size:36;index" json:"correlation_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateAuditLogTx(ctx context.Context, tx *gorm.DB, log *AuditLog) error {
	return tx.WithContext(ctx).Create(log).Error
}

func CreateUsageLogTx(ctx context.Context, tx *gorm.DB, log *UsageLog) error {
	return tx.WithContext(ctx).Create(log).Error
}

func ListAuditLogs(ctx context.Context, entityType string, entityId int) ([]*AuditLog, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	q := db.WithContext(ctx).Model(&AuditLog{}).Where("business_id = ?", businessId)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	if entityId > 0 {
		q = q.Where("entity_id = ?", entityId)
	}

	var results []*AuditLog
	if err := q.Order("event_date_time DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
