package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BatchOrderAllocation is a soft reservation of part of a batch's quantity
// against one order line. Rows are never deleted; RELEASED frees capacity
// while keeping the audit trail.
//
// Invariant, per batch: sum(allocated_qty WHERE status = ACTIVE) <= batch.quantity.
// All writers lock the batch row first (fetchBatchForUpdate) so the
// read-available + insert pair is atomic against concurrent callers.
type BatchOrderAllocation struct {
	ID           int              `gorm:"primary_key" json:"id"`
	BusinessId   string           `gorm:"size:64;index;not null" json:"business_id"`
	BatchId      int              `gorm:"index;not null;index:idx_alloc_batch_status,priority:1" json:"batch_id"`
	OrderLineId  int              `gorm:"index;not null" json:"order_line_id"`
	AllocatedQty decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"allocated_qty"`
	Status       AllocationStatus `gorm:"type:enum('ACTIVE','RELEASED');default:ACTIVE;index:idx_alloc_batch_status,priority:2" json:"status"`
	AllocatedBy  string           `gorm:"size:100" json:"allocated_by"`
	ReleasedAt   *time.Time       `json:"released_at"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a BatchOrderAllocation) GetBusinessId() string {
	return a.BusinessId
}

type NewBatchAllocation struct {
	BatchId     int             `json:"batch_id" binding:"required"`
	OrderLineId int             `json:"order_line_id" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
}

// activeAllocationSum totals ACTIVE allocations for a batch inside tx,
// optionally excluding one allocation (quantity updates revalidate against
// everything but their own old value).
func activeAllocationSum(ctx context.Context, tx *gorm.DB, businessId string, batchId int, excludeId int) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	dbCtx := tx.WithContext(ctx).Model(&BatchOrderAllocation{}).
		Where("business_id = ? AND batch_id = ? AND status = ?", businessId, batchId, AllocationStatusActive)
	if excludeId > 0 {
		dbCtx = dbCtx.Where("id != ?", excludeId)
	}
	if err := dbCtx.Select("SUM(allocated_qty)").Scan(&total).Error; err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func fetchAllocation(ctx context.Context, tx *gorm.DB, businessId string, id int) (*BatchOrderAllocation, error) {
	var allocation BatchOrderAllocation
	err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&allocation, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &allocation, nil
}

// AllocateBatch reserves qty of a batch against an order line.
func AllocateBatch(ctx context.Context, input *NewBatchAllocation) (*BatchOrderAllocation, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !input.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	username, _ := utils.GetUsernameFromContext(ctx)

	db := config.GetDB()
	var allocation *BatchOrderAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := fetchBatchForUpdate(ctx, tx, businessId, input.BatchId)
		if err != nil {
			return err
		}
		if batch.Status != BatchStatusAvailable {
			return fmt.Errorf("batch %d is %s: %w", batch.ID, batch.Status, ErrBatchNotAvailable)
		}

		allocated, err := activeAllocationSum(ctx, tx, businessId, batch.ID, 0)
		if err != nil {
			return err
		}
		available := batch.Quantity.Sub(allocated)
		if input.Quantity.GreaterThan(available) {
			return fmt.Errorf("batch %d has %s available, requested %s: %w",
				batch.ID, available, input.Quantity, ErrInsufficientCapacity)
		}

		allocation = &BatchOrderAllocation{
			BusinessId:   businessId,
			BatchId:      batch.ID,
			OrderLineId:  input.OrderLineId,
			AllocatedQty: input.Quantity,
			Status:       AllocationStatusActive,
			AllocatedBy:  username,
		}
		return tx.WithContext(ctx).Create(allocation).Error
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}

// ReleaseAllocation transitions ACTIVE -> RELEASED. Releasing twice fails
// with AlreadyReleased.
func ReleaseAllocation(ctx context.Context, allocationId int) (*BatchOrderAllocation, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var allocation *BatchOrderAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result, err := fetchAllocation(ctx, tx, businessId, allocationId)
		if err != nil {
			return err
		}
		// serialize on the batch row like every other allocation writer
		if _, err := fetchBatchForUpdate(ctx, tx, businessId, result.BatchId); err != nil {
			return err
		}
		// re-read now that the batch row is locked
		result, err = fetchAllocation(ctx, tx, businessId, allocationId)
		if err != nil {
			return err
		}
		if result.Status == AllocationStatusReleased {
			return fmt.Errorf("allocation %d: %w", allocationId, ErrAlreadyReleased)
		}

		now := time.Now()
		if err := tx.WithContext(ctx).Model(result).Updates(map[string]interface{}{
			"Status":     AllocationStatusReleased,
			"ReleasedAt": &now,
		}).Error; err != nil {
			return err
		}
		result.Status = AllocationStatusReleased
		result.ReleasedAt = &now
		allocation = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}

// UpdateAllocationQuantity re-validates the capacity invariant excluding the
// allocation's own old value. Only ACTIVE allocations are editable.
func UpdateAllocationQuantity(ctx context.Context, allocationId int, newQty decimal.Decimal) (*BatchOrderAllocation, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !newQty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	db := config.GetDB()
	var allocation *BatchOrderAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result, err := fetchAllocation(ctx, tx, businessId, allocationId)
		if err != nil {
			return err
		}

		batch, err := fetchBatchForUpdate(ctx, tx, businessId, result.BatchId)
		if err != nil {
			return err
		}

		// re-read now that the batch row is locked
		result, err = fetchAllocation(ctx, tx, businessId, allocationId)
		if err != nil {
			return err
		}
		if result.Status != AllocationStatusActive {
			return fmt.Errorf("allocation %d: %w", allocationId, ErrAlreadyReleased)
		}

		otherAllocated, err := activeAllocationSum(ctx, tx, businessId, batch.ID, result.ID)
		if err != nil {
			return err
		}
		available := batch.Quantity.Sub(otherAllocated)
		if newQty.GreaterThan(available) {
			return fmt.Errorf("batch %d has %s available, requested %s: %w",
				batch.ID, available, newQty, ErrInsufficientCapacity)
		}

		if err := tx.WithContext(ctx).Model(result).
			UpdateColumn("allocated_qty", newQty).Error; err != nil {
			return err
		}
		result.AllocatedQty = newQty
		allocation = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}

// AvailableQuantity = batch.quantity - sum(active allocations). Read-only,
// no lock taken.
func AvailableQuantity(ctx context.Context, batchId int) (decimal.Decimal, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return decimal.Zero, errors.New("business id is required")
	}

	batch, err := utils.FetchModel[Batch](ctx, businessId, batchId)
	if err != nil {
		return decimal.Zero, err
	}

	db := config.GetDB()
	allocated, err := activeAllocationSum(ctx, db, businessId, batchId, 0)
	if err != nil {
		return decimal.Zero, err
	}
	return batch.Quantity.Sub(allocated), nil
}

func IsFullyAllocated(ctx context.Context, batchId int) (bool, error) {
	available, err := AvailableQuantity(ctx, batchId)
	if err != nil {
		return false, err
	}
	return !available.IsPositive(), nil
}

// ListAllocationsByBatch returns all allocations of a batch, newest first.
func ListAllocationsByBatch(ctx context.Context, batchId int) ([]*BatchOrderAllocation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*BatchOrderAllocation
	err := db.WithContext(ctx).
		Where("business_id = ? AND batch_id = ?", businessId, batchId).
		Order("created_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
