package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const confirmationHandlerName = "production_confirmation"

// ConsumedBatch declares one input batch and the quantity taken from it.
type ConsumedBatch struct {
	BatchId  int             `json:"batch_id" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
}

// ConfirmationRequest is one unit of manufacturing work to record: the
// operation, what was consumed, what was produced, and who/what did it.
// MessageId is an optional client retry key; requests sharing one are
// applied at most once.
type ConfirmationRequest struct {
	OperationId       int             `json:"operation_id" binding:"required"`
	ProductSku        string          `json:"product_sku" binding:"required"`
	ProducedQty       decimal.Decimal `json:"produced_qty" binding:"required"`
	MaterialsConsumed []ConsumedBatch `json:"materials_consumed" binding:"required"`
	EquipmentIds      []int           `json:"equipment_ids"`
	OperatorIds       []int           `json:"operator_ids"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	MessageId         string          `json:"message_id"`
}

type ConfirmationResult struct {
	OutputBatch *models.Batch               `json:"output_batch"`
	Movements   []*models.InventoryMovement `json:"movements"`
	Genealogy   []*models.BatchGenealogy    `json:"genealogy"`
	Validation  *models.BomValidationResult `json:"validation"`
	// Skipped is true when an idempotent replay was detected and nothing
	// was applied.
	Skipped bool `json:"skipped"`
}

func (req *ConfirmationRequest) validate() error {
	if req.OperationId <= 0 {
		return errors.New("operation id is required")
	}
	if req.ProductSku == "" {
		return errors.New("product sku is required")
	}
	if !req.ProducedQty.IsPositive() {
		return models.ErrInvalidQuantity
	}
	if len(req.MaterialsConsumed) == 0 {
		return errors.New("at least one consumed batch is required")
	}
	seen := make(map[int]bool)
	for _, consumed := range req.MaterialsConsumed {
		if !consumed.Quantity.IsPositive() {
			return models.ErrInvalidQuantity
		}
		if seen[consumed.BatchId] {
			return fmt.Errorf("batch %d declared more than once", consumed.BatchId)
		}
		seen[consumed.BatchId] = true
	}
	return nil
}

// ConfirmProduction executes the whole confirmation as one atomic
// transaction: eligibility, routing gate, BOM validation, per-batch
// consumption, output batch with its PRODUCTION movement, genealogy edges,
// operation/process advance, and outbox side effects. Any failure rolls
// everything back.
func ConfirmProduction(ctx context.Context, req *ConfirmationRequest) (*ConfirmationResult, error) {
	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	username, _ := utils.GetUsernameFromContext(ctx)

	// consume in ascending batch id so concurrent confirmations sharing
	// batches cannot deadlock on row-lock ordering
	consumed := make([]ConsumedBatch, len(req.MaterialsConsumed))
	copy(consumed, req.MaterialsConsumed)
	sort.Slice(consumed, func(i, j int) bool { return consumed[i].BatchId < consumed[j].BatchId })

	db := config.GetDB()
	result := &ConfirmationResult{}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// GET_LOCK is connection-scoped; take it on the transaction's
		// connection so it is held exactly as long as the posting runs.
		if err := AcquireConfirmationPostingLock(tx, businessId); err != nil {
			config.LogError(logger, "confirmationWorkflow.go", "ConfirmProduction", "AcquireConfirmationPostingLock", businessId, err)
			return err
		}
		defer ReleaseConfirmationPostingLock(tx, businessId)

		if req.MessageId != "" {
			skip, err := BeginIdempotency(tx, businessId, confirmationHandlerName, req.MessageId)
			if err != nil {
				return err
			}
			if skip {
				result.Skipped = true
				return nil
			}
		}

		// 1. eligibility + routing gate
		operation, err := fetchOperation(ctx, tx, businessId, req.OperationId)
		if err != nil {
			return err
		}
		if operation.Status != models.OperationStatusReady && operation.Status != models.OperationStatusInProgress {
			return fmt.Errorf("operation %d is %s: %w", operation.ID, operation.Status, models.ErrOperationNotEligible)
		}
		eligible, err := models.CanOperationProceedTx(ctx, tx, businessId, operation.ID)
		if err != nil {
			return err
		}
		if !eligible {
			return fmt.Errorf("operation %d: %w", operation.ID, models.ErrRoutingPredecessorIncomplete)
		}

		// 2. BOM validation on the declared consumption (warnings pass,
		// errors abort)
		validation, err := validateDeclaredConsumption(ctx, tx, businessId, req.ProductSku, consumed)
		if err != nil {
			return err
		}
		result.Validation = validation
		if !validation.Valid {
			return fmt.Errorf("%s: %w", strings.Join(validation.Errors, "; "), models.ErrBomValidationFailed)
		}

		// 3. consume each declared batch: capacity check + executed
		// CONSUMPTION movement
		for _, declared := range consumed {
			movement, err := models.ConsumeBatchTx(ctx, tx, businessId, declared.BatchId, declared.Quantity,
				operation.ID, "confirmation consumption", correlationId)
			if err != nil {
				return err
			}
			result.Movements = append(result.Movements, movement)
		}

		// 4. output batch + PRODUCTION movement
		product, err := models.GetProductBySku(ctx, businessId, req.ProductSku)
		if err != nil {
			return err
		}
		outputBatch, productionMovement, err := models.CreateOutputBatchTx(ctx, tx, businessId, product,
			req.ProducedQty, operation.ID, correlationId)
		if err != nil {
			return err
		}
		result.OutputBatch = outputBatch
		result.Movements = append(result.Movements, productionMovement)

		// 5. genealogy edges, one per consumed batch
		for _, declared := range consumed {
			edge, err := models.CreateGenealogyEdgeTx(ctx, tx, businessId, declared.BatchId, outputBatch.ID, declared.Quantity)
			if err != nil {
				return err
			}
			result.Genealogy = append(result.Genealogy, edge)
		}

		// 6. operation/process advance
		if err := models.CompleteOperationTx(ctx, tx, businessId, operation.ID); err != nil {
			return err
		}

		// 7. side effects through the outbox, published after commit
		audit := models.AuditLogEntry{
			EntityType: "operation",
			EntityId:   operation.ID,
			Action:     "PRODUCTION_CONFIRMED",
			NewValue:   fmt.Sprintf("batch %s qty %s", outputBatch.BatchNumber, req.ProducedQty),
			ChangedBy:  username,
		}
		if _, err := models.EnqueueOutboxTx(ctx, tx, businessId, models.OutboxReferenceAudit, operation.ID,
			models.PubSubMessageActionCreate, audit, correlationId); err != nil {
			return err
		}
		usage := models.UsageRecord{
			OperationId:  operation.ID,
			EquipmentIds: req.EquipmentIds,
			OperatorIds:  req.OperatorIds,
			StartTime:    req.StartTime,
			EndTime:      req.EndTime,
		}
		if _, err := models.EnqueueOutboxTx(ctx, tx, businessId, models.OutboxReferenceUsage, operation.ID,
			models.PubSubMessageActionCreate, usage, correlationId); err != nil {
			return err
		}

		if req.MessageId != "" {
			if err := MarkIdempotencySucceeded(tx, businessId, confirmationHandlerName, req.MessageId); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "confirmationWorkflow.go", "ConfirmProduction", "confirmation transaction", req, err)
		return nil, err
	}
	return result, nil
}

func fetchOperation(ctx context.Context, tx *gorm.DB, businessId string, operationId int) (*models.Operation, error) {
	var operation models.Operation
	err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&operation, operationId).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &operation, nil
}

// validateDeclaredConsumption maps the declared batches to their materials
// and scores them against the product's resolved BOM.
func validateDeclaredConsumption(ctx context.Context, tx *gorm.DB, businessId string, productSku string, consumed []ConsumedBatch) (*models.BomValidationResult, error) {

	materials := make([]models.MaterialConsumption, 0, len(consumed))
	for _, declared := range consumed {
		var batch models.Batch
		err := tx.WithContext(ctx).
			Where("business_id = ?", businessId).
			First(&batch, declared.BatchId).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		materials = append(materials, models.MaterialConsumption{
			MaterialId: batch.MaterialId,
			Quantity:   declared.Quantity,
		})
	}

	return models.ValidateConsumption(ctx, productSku, materials)
}
