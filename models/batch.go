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
	"gorm.io/gorm/clause"
)

// Batch is a traceable, quantified lot of one material produced or received
// at one time. Quantity is never edited in place once other records reference
// the batch; it changes only through executed movements.
type Batch struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	BusinessId            string          `gorm:"size:64;index;not null" json:"business_id"`
	BatchNumber           string          `gorm:"size:50;not null;index:idx_batch_biz_number,unique,priority:2" json:"batch_number"`
	SequenceNo            int64           `gorm:"index" json:"sequence_no"`
	MaterialId            int             `gorm:"index;not null" json:"material_id"`
	MaterialName          string          `gorm:"size:255" json:"material_name"`
	ProductSku            string          `gorm:"size:100;index" json:"product_sku"`
	Quantity              decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Unit                  string          `gorm:"size:20" json:"unit"`
	Status                BatchStatus     `gorm:"type:enum('AVAILABLE','CONSUMED','BLOCKED','SCRAPPED');default:AVAILABLE;index" json:"status"`
	ProducedByOperationId *int            `gorm:"index" json:"produced_by_operation_id"`
	CreatedBy             string          `gorm:"size:100" json:"created_by"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b Batch) GetBusinessId() string {
	return b.BusinessId
}

type NewBatch struct {
	MaterialId int             `json:"material_id" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required"`
	Unit       string          `json:"unit"`
}

func (input *NewBatch) validate(ctx context.Context, businessId string) error {
	if !input.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, input.MaterialId); err != nil {
		return errors.New("material not found")
	}
	return nil
}

func CreateBatch(ctx context.Context, input *NewBatch) (*Batch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	material, err := utils.FetchModel[Product](ctx, businessId, input.MaterialId)
	if err != nil {
		return nil, errors.New("material not found")
	}

	seqNo, err := utils.GetSequence[Batch](ctx, businessId)
	if err != nil {
		return nil, err
	}

	username, _ := utils.GetUsernameFromContext(ctx)
	unit := input.Unit
	if unit == "" {
		unit = material.Unit
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	// The batch starts at zero and its opening stock is booked as an
	// executed ADJUSTMENT, so the movement ledger alone reconstructs
	// on-hand for every batch.
	batch := Batch{
		BusinessId:   businessId,
		BatchNumber:  fmt.Sprintf("B-%06d", seqNo),
		SequenceNo:   seqNo,
		MaterialId:   material.ID,
		MaterialName: material.Name,
		ProductSku:   material.Sku,
		Quantity:     decimal.Zero,
		Unit:         unit,
		Status:       BatchStatusAvailable,
		CreatedBy:    username,
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		movement, err := RecordMovementTx(ctx, tx, businessId, &NewInventoryMovement{
			BatchId:      batch.ID,
			MovementType: MovementTypeAdjustment,
			Quantity:     input.Quantity,
			Reason:       "initial stock",
		}, correlationId)
		if err != nil {
			return err
		}
		if _, err := ExecuteMovementTx(ctx, tx, businessId, movement.ID); err != nil {
			return err
		}
		batch.Quantity = input.Quantity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Batch](ctx, businessId, id)
}

func ListBatch(ctx context.Context, materialId *int, status *BatchStatus) ([]*Batch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if materialId != nil && *materialId > 0 {
		dbCtx = dbCtx.Where("material_id = ?", *materialId)
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	var results []*Batch
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// fetchBatchForUpdate loads the batch row with a row lock inside tx. Every
// capacity check on a batch goes through this so concurrent writers serialize
// on the batch row.
func fetchBatchForUpdate(ctx context.Context, tx *gorm.DB, businessId string, batchId int) (*Batch, error) {
	var batch Batch
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&batch, batchId).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &batch, nil
}

// ConsumeBatchTx consumes qty from a batch inside an existing transaction:
// batch row locked, status and capacity checked, then a CONSUMPTION movement
// recorded and executed in one step. Returns the executed movement.
func ConsumeBatchTx(ctx context.Context, tx *gorm.DB, businessId string, batchId int, qty decimal.Decimal, operationId int, reason string, correlationId string) (*InventoryMovement, error) {

	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	batch, err := fetchBatchForUpdate(ctx, tx, businessId, batchId)
	if err != nil {
		return nil, err
	}
	if batch.Status != BatchStatusAvailable {
		return nil, fmt.Errorf("batch %d is %s: %w", batch.ID, batch.Status, ErrBatchNotAvailable)
	}

	// Stock reserved by ACTIVE allocations is not consumable. Capacity is the
	// physical quantity minus the allocated sum, both read under the row lock.
	allocated, err := activeAllocationSum(ctx, tx, businessId, batch.ID, 0)
	if err != nil {
		return nil, err
	}
	available := batch.Quantity.Sub(allocated)
	if qty.GreaterThan(available) {
		return nil, fmt.Errorf("batch %d holds %s with %s allocated, declared %s: %w",
			batch.ID, batch.Quantity, allocated, qty, ErrInsufficientBatchQuantity)
	}

	movement, err := RecordMovementTx(ctx, tx, businessId, &NewInventoryMovement{
		BatchId:      batchId,
		OperationId:  &operationId,
		MovementType: MovementTypeConsumption,
		Quantity:     qty,
		Reason:       reason,
	}, correlationId)
	if err != nil {
		return nil, err
	}
	return ExecuteMovementTx(ctx, tx, businessId, movement.ID)
}

// CreateOutputBatchTx creates the produced batch of a confirmation and
// applies its PRODUCTION movement, all inside the caller's transaction. The
// batch starts at zero quantity; the executed movement brings it to qty, so
// the movement ledger alone reconstructs the batch's on-hand value.
func CreateOutputBatchTx(ctx context.Context, tx *gorm.DB, businessId string, product *Product, qty decimal.Decimal, operationId int, correlationId string) (*Batch, *InventoryMovement, error) {

	if !qty.IsPositive() {
		return nil, nil, ErrInvalidQuantity
	}

	seqNo, err := utils.GetSequence[Batch](ctx, businessId)
	if err != nil {
		return nil, nil, err
	}

	username, _ := utils.GetUsernameFromContext(ctx)
	batch := Batch{
		BusinessId:            businessId,
		BatchNumber:           fmt.Sprintf("B-%06d", seqNo),
		SequenceNo:            seqNo,
		MaterialId:            product.ID,
		MaterialName:          product.Name,
		ProductSku:            product.Sku,
		Quantity:              decimal.Zero,
		Unit:                  product.Unit,
		Status:                BatchStatusAvailable,
		ProducedByOperationId: &operationId,
		CreatedBy:             username,
	}
	if err := tx.WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, nil, err
	}

	movement, err := RecordMovementTx(ctx, tx, businessId, &NewInventoryMovement{
		BatchId:      batch.ID,
		OperationId:  &operationId,
		MovementType: MovementTypeProduction,
		Quantity:     qty,
		Reason:       "production output",
	}, correlationId)
	if err != nil {
		return nil, nil, err
	}
	movement, err = ExecuteMovementTx(ctx, tx, businessId, movement.ID)
	if err != nil {
		return nil, nil, err
	}
	batch.Quantity = qty
	return &batch, movement, nil
}

// BlockBatch puts an AVAILABLE batch on hold (quality investigation etc).
func BlockBatch(ctx context.Context, id int) (*Batch, error) {
	return transitionBatchStatus(ctx, id, BatchStatusAvailable, BatchStatusBlocked)
}

// UnblockBatch releases a hold.
func UnblockBatch(ctx context.Context, id int) (*Batch, error) {
	return transitionBatchStatus(ctx, id, BatchStatusBlocked, BatchStatusAvailable)
}

// ScrapBatch is terminal. A batch with active allocations cannot be scrapped;
// release the allocations first. Under StrictBatchImmutability the remaining
// quantity is written off through an executed ADJUSTMENT, so scrapped stock
// still reconciles against the movement ledger.
func ScrapBatch(ctx context.Context, id int) (*Batch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var result *Batch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := fetchBatchForUpdate(ctx, tx, businessId, id)
		if err != nil {
			return err
		}
		if batch.Status == BatchStatusScrapped {
			return ErrBatchNotAvailable
		}

		var active int64
		if err := tx.WithContext(ctx).Model(&BatchOrderAllocation{}).
			Where("business_id = ? AND batch_id = ? AND status = ?", businessId, id, AllocationStatusActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return errors.New("batch has active allocations")
		}

		if config.StrictBatchImmutability() && batch.Quantity.IsPositive() {
			correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
			if correlationId == "" {
				correlationId = uuid.NewString()
			}
			movement, err := RecordMovementTx(ctx, tx, businessId, &NewInventoryMovement{
				BatchId:      batch.ID,
				MovementType: MovementTypeAdjustment,
				Quantity:     batch.Quantity.Neg(),
				Reason:       "scrapped",
			}, correlationId)
			if err != nil {
				return err
			}
			if _, err := ExecuteMovementTx(ctx, tx, businessId, movement.ID); err != nil {
				return err
			}
			batch.Quantity = decimal.Zero
		}

		if err := tx.WithContext(ctx).Model(batch).
			UpdateColumn("status", BatchStatusScrapped).Error; err != nil {
			return err
		}
		batch.Status = BatchStatusScrapped
		result = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func transitionBatchStatus(ctx context.Context, id int, from BatchStatus, to BatchStatus) (*Batch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var result *Batch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := fetchBatchForUpdate(ctx, tx, businessId, id)
		if err != nil {
			return err
		}
		if batch.Status != from {
			return fmt.Errorf("batch %d is %s, expected %s: %w", id, batch.Status, from, ErrBatchNotAvailable)
		}
		if err := tx.WithContext(ctx).Model(batch).
			UpdateColumn("status", to).Error; err != nil {
			return err
		}
		batch.Status = to
		result = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
