package workflow

import (
	"context"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/models"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDirectProcessor delivers outbox records without a Pub/Sub round trip:
// each claimed record is handed to ProcessMessage in-process and then marked
// SENT. Intended for local/dev environments where Pub/Sub is not configured.
type OutboxDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewOutboxDirectProcessor(db *gorm.DB, logger *logrus.Logger) *OutboxDirectProcessor {
	return &OutboxDirectProcessor{
		DB:        db,
		Logger:    logger,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

// ShouldRunDirectOutboxProcessor is true unless OUTBOX_DIRECT_PROCESSING
// is explicitly "false", or Pub/Sub delivery is configured and the flag was
// not explicitly enabled.
func ShouldRunDirectOutboxProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_PROCESSING")))
	if val == "true" {
		return true
	}
	if val == "false" {
		return false
	}
	return os.Getenv("PUBSUB_TOPIC") == ""
}

func (p *OutboxDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *OutboxDirectProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.AuditOutboxRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("publish_status IN ?", []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &p.WorkerID
			if err := tx.Model(&models.AuditOutboxRecord{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"locked_at": claimed[i].LockedAt,
					"locked_by": claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		m := models.ConvertToPubSubMessage(rec)

		// Process with a system identity; there is no request context here.
		pctx := utils.SetBusinessIdInContext(ctx, m.BusinessId)
		pctx = utils.SetUserIdInContext(pctx, 0)
		pctx = utils.SetUserNameInContext(pctx, "System")
		pctx = utils.SetCorrelationIdInContext(pctx, m.CorrelationId)

		if err := ProcessMessage(pctx, p.Logger, m); err != nil {
			msg := err.Error()
			_ = p.DB.WithContext(ctx).Model(&models.AuditOutboxRecord{}).
				Where("id = ?", rec.ID).
				Updates(map[string]interface{}{
					"locked_at":          nil,
					"locked_by":          nil,
					"last_publish_error": &msg,
				}).Error
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":          "OutboxDirectProcessor",
					"business_id":    rec.BusinessId,
					"reference_type": rec.ReferenceType,
					"record_id":      rec.ID,
					"correlation_id": rec.CorrelationId,
				}).Error("direct processing failed: " + err.Error())
			}
			continue
		}

		_ = p.DB.WithContext(ctx).Model(&models.AuditOutboxRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":  models.OutboxPublishStatusSent,
				"published_at":    &now,
				"locked_at":       nil,
				"locked_by":       nil,
				"next_attempt_at": nil,
			}).Error
	}
}
