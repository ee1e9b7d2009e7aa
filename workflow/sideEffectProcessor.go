package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProcessMessage materializes one published side-effect message into its
// worker-side table (audit_logs, usage_logs). Safe to call more than once for
// the same message: the idempotency key makes redelivery a no-op.
func ProcessMessage(ctx context.Context, logger *logrus.Logger, m config.PubSubMessage) error {
	db := config.GetDB()
	return db.Transaction(func(tx *gorm.DB) error {
		// Serialize per business across instances.
		if err := AcquireConfirmationPostingLock(tx.WithContext(ctx), m.BusinessId); err != nil {
			return err
		}
		defer ReleaseConfirmationPostingLock(tx.WithContext(ctx), m.BusinessId)

		handlerName := "materialize_" + strings.ToLower(m.ReferenceType)
		messageId := strconv.Itoa(m.ID)

		skip, err := BeginIdempotency(tx.WithContext(ctx), m.BusinessId, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := materializeSideEffect(ctx, tx, m); err != nil {
			_ = MarkIdempotencyFailed(tx.WithContext(ctx), m.BusinessId, handlerName, messageId, err)
			if logger != nil {
				config.LogError(logger, "sideEffectProcessor.go", "ProcessMessage", "materializeSideEffect", m, err)
			}
			return err
		}
		return MarkIdempotencySucceeded(tx.WithContext(ctx), m.BusinessId, handlerName, messageId)
	})
}

func materializeSideEffect(ctx context.Context, tx *gorm.DB, m config.PubSubMessage) error {
	switch models.OutboxReferenceType(m.ReferenceType) {
	case models.OutboxReferenceAudit:
		var entry models.AuditLogEntry
		if err := json.Unmarshal(m.Payload, &entry); err != nil {
			return fmt.Errorf("unmarshal audit payload: %w", err)
		}
		return models.CreateAuditLogTx(ctx, tx, &models.AuditLog{
			BusinessId:     m.BusinessId,
			OutboxRecordId: m.ID,
			EntityType:     entry.EntityType,
			EntityId:       entry.EntityId,
			Action:         entry.Action,
			FieldName:      entry.FieldName,
			OldValue:       entry.OldValue,
			NewValue:       entry.NewValue,
			ChangedBy:      entry.ChangedBy,
			EventDateTime:  m.EventDateTime,
			CorrelationId:  m.CorrelationId,
		})
	case models.OutboxReferenceUsage:
		var usage models.UsageRecord
		if err := json.Unmarshal(m.Payload, &usage); err != nil {
			return fmt.Errorf("unmarshal usage payload: %w", err)
		}
		return models.CreateUsageLogTx(ctx, tx, &models.UsageLog{
			BusinessId:     m.BusinessId,
			OutboxRecordId: m.ID,
			OperationId:    usage.OperationId,
			EquipmentIds:   joinInts(usage.EquipmentIds),
			OperatorIds:    joinInts(usage.OperatorIds),
			StartTime:      usage.StartTime,
			EndTime:        usage.EndTime,
			CorrelationId:  m.CorrelationId,
		})
	case models.OutboxReferenceGenealogy:
		// Genealogy edges already live in batch_genealogies; the event only
		// notifies downstream traceability consumers.
		return nil
	default:
		return fmt.Errorf("unknown reference type %q", m.ReferenceType)
	}
}

func joinInts(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ",")
}
