package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

// BomRequirement is one required material for manufacturing one unit of a
// product, at one sequence level. YieldLossRatio is a >= 1.0 multiplier
// covering process loss.
type BomRequirement struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"size:64;index;not null" json:"business_id"`
	ProductSku       string          `gorm:"size:100;not null;index:idx_bom_biz_sku,priority:2" json:"product_sku"`
	SequenceLevel    int             `gorm:"not null;default:1" json:"sequence_level"`
	MaterialId       int             `gorm:"index;not null" json:"material_id"`
	MaterialName     string          `gorm:"size:255" json:"material_name"`
	QuantityRequired decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity_required"`
	Unit             string          `gorm:"size:20" json:"unit"`
	YieldLossRatio   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:1" json:"yield_loss_ratio"`
	IsActive         *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r BomRequirement) GetBusinessId() string {
	return r.BusinessId
}

type NewBomRequirement struct {
	ProductSku       string          `json:"product_sku" binding:"required"`
	SequenceLevel    int             `json:"sequence_level"`
	MaterialId       int             `json:"material_id" binding:"required"`
	QuantityRequired decimal.Decimal `json:"quantity_required" binding:"required"`
	Unit             string          `json:"unit"`
	YieldLossRatio   decimal.Decimal `json:"yield_loss_ratio"`
}

func (input *NewBomRequirement) validate(ctx context.Context, businessId string) error {
	if !input.QuantityRequired.IsPositive() {
		return ErrInvalidQuantity
	}
	if !input.YieldLossRatio.IsZero() && input.YieldLossRatio.LessThan(decimal.NewFromInt(1)) {
		return errors.New("yield loss ratio must be >= 1.0")
	}
	if _, err := GetProductBySku(ctx, businessId, input.ProductSku); err != nil {
		return errors.New("product not found")
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, input.MaterialId); err != nil {
		return errors.New("material not found")
	}
	return nil
}

func CreateBomRequirement(ctx context.Context, input *NewBomRequirement) (*BomRequirement, error) {

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

	level := input.SequenceLevel
	if level <= 0 {
		level = 1
	}
	yieldLoss := input.YieldLossRatio
	if yieldLoss.IsZero() {
		yieldLoss = decimal.NewFromInt(1)
	}
	unit := input.Unit
	if unit == "" {
		unit = material.Unit
	}

	requirement := BomRequirement{
		BusinessId:       businessId,
		ProductSku:       input.ProductSku,
		SequenceLevel:    level,
		MaterialId:       material.ID,
		MaterialName:     material.Name,
		QuantityRequired: input.QuantityRequired,
		Unit:             unit,
		YieldLossRatio:   yieldLoss,
		IsActive:         utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&requirement).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[BomRequirement](businessId); err != nil {
		return nil, err
	}
	return &requirement, nil
}

// ResolvedBomRequirement is one leaf of the resolved requirement tree, with
// quantities already scaled through the parent chain.
type ResolvedBomRequirement struct {
	ProductSku       string          `json:"product_sku"`
	SequenceLevel    int             `json:"sequence_level"`
	MaterialId       int             `json:"material_id"`
	MaterialName     string          `json:"material_name"`
	QuantityRequired decimal.Decimal `json:"quantity_required"`
	Unit             string          `json:"unit"`
	YieldLossRatio   decimal.Decimal `json:"yield_loss_ratio"`
}

// BomResolution is the full requirement tree for one SKU plus the distinct
// sequence levels present.
type BomResolution struct {
	ProductSku   string                   `json:"product_sku"`
	Requirements []ResolvedBomRequirement `json:"requirements"`
	Levels       []int                    `json:"levels"`
}

// GetBomRequirements resolves the full multi-level requirement tree for a
// product. A requirement whose material is itself a manufactured product with
// its own BOM pulls that BOM in recursively, scaled through the parent
// requirement. Cyclic references fail with CyclicBomError.
func GetBomRequirements(ctx context.Context, productSku string) (*BomResolution, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if _, err := GetProductBySku(ctx, businessId, productSku); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var rows []*BomRequirement
	if err := db.WithContext(ctx).
		Where("business_id = ? AND is_active = true", businessId).
		Order("product_sku, sequence_level, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	// material id -> sku, for manufactured products only (those can recurse)
	var manufactured []*Product
	if err := db.WithContext(ctx).
		Where("business_id = ? AND is_manufactured = true", businessId).
		Find(&manufactured).Error; err != nil {
		return nil, err
	}
	skuByMaterialId := make(map[int]string, len(manufactured))
	for _, p := range manufactured {
		skuByMaterialId[p.ID] = p.Sku
	}

	return ResolveBomTree(productSku, rows, skuByMaterialId)
}

// ResolveBomTree is the pure resolution core: adjacency over SKUs, memoized
// subtree resolution, active-path set for cycle detection.
func ResolveBomTree(productSku string, rows []*BomRequirement, skuByMaterialId map[int]string) (*BomResolution, error) {

	rowsBySku := make(map[string][]*BomRequirement)
	for _, row := range rows {
		rowsBySku[row.ProductSku] = append(rowsBySku[row.ProductSku], row)
	}

	memo := make(map[string][]ResolvedBomRequirement)
	activePath := make(map[string]bool)

	var resolve func(sku string) ([]ResolvedBomRequirement, error)
	resolve = func(sku string) ([]ResolvedBomRequirement, error) {
		if cached, ok := memo[sku]; ok {
			return cached, nil
		}
		if activePath[sku] {
			return nil, fmt.Errorf("product %s references itself through its bom tree: %w", sku, ErrCyclicBom)
		}
		activePath[sku] = true
		defer delete(activePath, sku)

		var resolved []ResolvedBomRequirement
		for _, row := range rowsBySku[sku] {
			resolved = append(resolved, ResolvedBomRequirement{
				ProductSku:       row.ProductSku,
				SequenceLevel:    row.SequenceLevel,
				MaterialId:       row.MaterialId,
				MaterialName:     row.MaterialName,
				QuantityRequired: row.QuantityRequired,
				Unit:             row.Unit,
				YieldLossRatio:   row.YieldLossRatio,
			})

			// manufactured sub-assembly: pull its own requirements, scaled
			// through this requirement (quantity x yield loss)
			subSku, isManufactured := skuByMaterialId[row.MaterialId]
			if !isManufactured || len(rowsBySku[subSku]) == 0 {
				continue
			}
			scale := row.QuantityRequired.Mul(row.YieldLossRatio)
			subRequirements, err := resolve(subSku)
			if err != nil {
				return nil, err
			}
			for _, sub := range subRequirements {
				scaled := sub
				scaled.QuantityRequired = sub.QuantityRequired.Mul(scale)
				scaled.SequenceLevel = row.SequenceLevel + sub.SequenceLevel
				resolved = append(resolved, scaled)
			}
		}

		memo[sku] = resolved
		return resolved, nil
	}

	requirements, err := resolve(productSku)
	if err != nil {
		return nil, err
	}

	levelSet := make(map[int]bool)
	for _, r := range requirements {
		levelSet[r.SequenceLevel] = true
	}
	levels := make([]int, 0, len(levelSet))
	for level := range levelSet {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	return &BomResolution{
		ProductSku:   productSku,
		Requirements: requirements,
		Levels:       levels,
	}, nil
}
