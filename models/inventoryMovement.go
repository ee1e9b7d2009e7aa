package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryMovement is an append-oriented ledger row. Recording a movement
// does not touch stock; executing it applies the batch quantity effect
// exactly once. Executed rows are never updated again.
type InventoryMovement struct {
	ID            string          `gorm:"size:36;primary_key" json:"id"` // uuid
	BusinessId    string          `gorm:"size:64;index:idx_move_biz_material_date,priority:1;not null" json:"business_id"`
	BatchId       int             `gorm:"index;not null" json:"batch_id"`
	MaterialId    int             `gorm:"index:idx_move_biz_material_date,priority:2;not null" json:"material_id"`
	OperationId   *int            `gorm:"index" json:"operation_id"`
	MovementType  MovementType    `gorm:"type:enum('CONSUMPTION','PRODUCTION','ADJUSTMENT');not null" json:"movement_type"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Reason        string          `gorm:"size:255" json:"reason"`
	Status        MovementStatus  `gorm:"type:enum('PENDING','EXECUTED');default:PENDING;index" json:"status"`
	ExecutedAt    *time.Time      `gorm:"index" json:"executed_at"`
	CreatedBy     string          `gorm:"size:100" json:"created_by"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index:idx_move_biz_material_date,priority:3" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (m InventoryMovement) GetBusinessId() string {
	return m.BusinessId
}

type NewInventoryMovement struct {
	BatchId      int             `json:"batch_id" binding:"required"`
	OperationId  *int            `json:"operation_id"`
	MovementType MovementType    `json:"movement_type" binding:"required"`
	Quantity     decimal.Decimal `json:"quantity" binding:"required"`
	Reason       string          `json:"reason"`
}

func (input *NewInventoryMovement) validate() error {
	switch input.MovementType {
	case MovementTypeConsumption, MovementTypeProduction:
		if !input.Quantity.IsPositive() {
			return ErrInvalidQuantity
		}
	case MovementTypeAdjustment:
		// signed delta, zero is meaningless
		if input.Quantity.IsZero() {
			return ErrInvalidQuantity
		}
	default:
		return fmt.Errorf("unknown movement type %q", input.MovementType)
	}
	return nil
}

// RecordMovement inserts a PENDING movement without touching stock.
func RecordMovement(ctx context.Context, input *NewInventoryMovement) (*InventoryMovement, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var movement *InventoryMovement
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		movement, err = RecordMovementTx(ctx, tx, businessId, input, uuid.NewString())
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// RecordMovementTx is the transaction-scoped insert used both standalone and
// from the confirmation workflow.
func RecordMovementTx(ctx context.Context, tx *gorm.DB, businessId string, input *NewInventoryMovement, correlationId string) (*InventoryMovement, error) {

	if err := input.validate(); err != nil {
		return nil, err
	}

	var batch Batch
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&batch, input.BatchId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	username, _ := utils.GetUsernameFromContext(ctx)
	movement := InventoryMovement{
		ID:            uuid.NewString(),
		BusinessId:    businessId,
		BatchId:       batch.ID,
		MaterialId:    batch.MaterialId,
		OperationId:   input.OperationId,
		MovementType:  input.MovementType,
		Quantity:      input.Quantity,
		Reason:        input.Reason,
		Status:        MovementStatusPending,
		CreatedBy:     username,
		CorrelationId: correlationId,
	}
	if err := tx.WithContext(ctx).Create(&movement).Error; err != nil {
		return nil, err
	}
	return &movement, nil
}

// ExecuteMovement transitions PENDING -> EXECUTED and applies the stock
// effect exactly once. Executing an executed movement fails with
// AlreadyExecuted and changes nothing.
func ExecuteMovement(ctx context.Context, movementId string) (*InventoryMovement, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var movement *InventoryMovement
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		movement, err = ExecuteMovementTx(ctx, tx, businessId, movementId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// ExecuteMovementTx applies a movement inside an existing transaction. The
// batch row is locked before the movement status is re-checked, so client
// retries cannot double-apply.
func ExecuteMovementTx(ctx context.Context, tx *gorm.DB, businessId string, movementId string) (*InventoryMovement, error) {

	var movement InventoryMovement
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&movement, "id = ?", movementId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	batch, err := fetchBatchForUpdate(ctx, tx, businessId, movement.BatchId)
	if err != nil {
		return nil, err
	}

	// re-read under the batch lock; the status check must see committed state
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&movement, "id = ?", movementId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if movement.Status == MovementStatusExecuted {
		return nil, fmt.Errorf("movement %s: %w", movementId, ErrAlreadyExecuted)
	}

	newQty, err := applyMovementEffect(batch, &movement)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"Quantity": newQty}
	if movement.MovementType == MovementTypeConsumption && newQty.IsZero() {
		updates["Status"] = BatchStatusConsumed
	}
	if err := tx.WithContext(ctx).Model(batch).Updates(updates).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	if err := tx.WithContext(ctx).Model(&movement).Updates(map[string]interface{}{
		"Status":     MovementStatusExecuted,
		"ExecutedAt": &now,
	}).Error; err != nil {
		return nil, err
	}
	movement.Status = MovementStatusExecuted
	movement.ExecutedAt = &now
	return &movement, nil
}

// applyMovementEffect computes the batch quantity after the movement.
func applyMovementEffect(batch *Batch, movement *InventoryMovement) (decimal.Decimal, error) {
	switch movement.MovementType {
	case MovementTypeConsumption:
		if movement.Quantity.GreaterThan(batch.Quantity) {
			return decimal.Zero, fmt.Errorf("batch %d holds %s, consuming %s: %w",
				batch.ID, batch.Quantity, movement.Quantity, ErrInsufficientBatchQuantity)
		}
		return batch.Quantity.Sub(movement.Quantity), nil
	case MovementTypeProduction:
		return batch.Quantity.Add(movement.Quantity), nil
	case MovementTypeAdjustment:
		newQty := batch.Quantity.Add(movement.Quantity)
		if newQty.IsNegative() {
			return decimal.Zero, fmt.Errorf("batch %d holds %s, adjusting by %s: %w",
				batch.ID, batch.Quantity, movement.Quantity, ErrInsufficientBatchQuantity)
		}
		return newQty, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown movement type %q", movement.MovementType)
	}
}

/* query projections: read-only, newest first */

func MovementsByInventory(ctx context.Context, materialId int) ([]*InventoryMovement, error) {
	return listMovements(ctx, "material_id = ?", materialId)
}

func MovementsByOperation(ctx context.Context, operationId int) ([]*InventoryMovement, error) {
	return listMovements(ctx, "operation_id = ?", operationId)
}

func MovementsByBatch(ctx context.Context, batchId int) ([]*InventoryMovement, error) {
	return listMovements(ctx, "batch_id = ?", batchId)
}

func MovementsInRange(ctx context.Context, from time.Time, to time.Time) ([]*InventoryMovement, error) {
	return listMovements(ctx, "created_at BETWEEN ? AND ?", from, to)
}

func PendingMovements(ctx context.Context) ([]*InventoryMovement, error) {
	return listMovements(ctx, "status = ?", MovementStatusPending)
}

func RecentMovements(ctx context.Context, limit int) ([]*InventoryMovement, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	db := config.GetDB()
	var results []*InventoryMovement
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func listMovements(ctx context.Context, condition string, values ...interface{}) ([]*InventoryMovement, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*InventoryMovement
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Where(condition, values...).
		Order("created_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
