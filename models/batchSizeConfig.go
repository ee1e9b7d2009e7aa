package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

// BatchSizeConfig is one ranked sizing rule. Each selection-key field is
// nullable; null matches anything, a set value must match exactly. The most
// specific matching rule wins, ties broken by lowest priority value.
type BatchSizeConfig struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	BusinessId         string           `gorm:"size:64;index;not null" json:"business_id"`
	OperationType      *string          `gorm:"size:50;index" json:"operation_type"`
	MaterialId         *int             `gorm:"index" json:"material_id"`
	ProductSku         *string          `gorm:"size:100;index" json:"product_sku"`
	EquipmentType      *string          `gorm:"size:50;index" json:"equipment_type"`
	MinBatchSize       decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"min_batch_size"`
	MaxBatchSize       decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"max_batch_size"`
	PreferredBatchSize *decimal.Decimal `gorm:"type:decimal(20,4)" json:"preferred_batch_size"`
	Unit               string           `gorm:"size:20" json:"unit"`
	AllowPartialBatch  *bool            `gorm:"not null;default:false" json:"allow_partial_batch"`
	Priority           int              `gorm:"not null;default:100" json:"priority"`
	IsActive           *bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c BatchSizeConfig) GetBusinessId() string {
	return c.BusinessId
}

type NewBatchSizeConfig struct {
	OperationType      *string          `json:"operation_type"`
	MaterialId         *int             `json:"material_id"`
	ProductSku         *string          `json:"product_sku"`
	EquipmentType      *string          `json:"equipment_type"`
	MinBatchSize       decimal.Decimal  `json:"min_batch_size"`
	MaxBatchSize       decimal.Decimal  `json:"max_batch_size" binding:"required"`
	PreferredBatchSize *decimal.Decimal `json:"preferred_batch_size"`
	Unit               string           `json:"unit"`
	AllowPartialBatch  bool             `json:"allow_partial_batch"`
	Priority           int              `json:"priority"`
}

func (input *NewBatchSizeConfig) validate() error {
	if !input.MaxBatchSize.IsPositive() {
		return errors.New("max batch size must be greater than zero")
	}
	if input.MinBatchSize.IsNegative() {
		return errors.New("min batch size cannot be negative")
	}
	if input.MinBatchSize.GreaterThan(input.MaxBatchSize) {
		return errors.New("min batch size cannot exceed max batch size")
	}
	if input.PreferredBatchSize != nil {
		if input.PreferredBatchSize.LessThan(input.MinBatchSize) ||
			input.PreferredBatchSize.GreaterThan(input.MaxBatchSize) {
			return errors.New("preferred batch size must be within min/max")
		}
	}
	return nil
}

func CreateBatchSizeConfig(ctx context.Context, input *NewBatchSizeConfig) (*BatchSizeConfig, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}

	priority := input.Priority
	if priority == 0 {
		priority = 100
	}

	cfg := BatchSizeConfig{
		BusinessId:         businessId,
		OperationType:      input.OperationType,
		MaterialId:         input.MaterialId,
		ProductSku:         input.ProductSku,
		EquipmentType:      input.EquipmentType,
		MinBatchSize:       input.MinBatchSize,
		MaxBatchSize:       input.MaxBatchSize,
		PreferredBatchSize: input.PreferredBatchSize,
		Unit:               input.Unit,
		AllowPartialBatch:  &input.AllowPartialBatch,
		Priority:           priority,
		IsActive:           utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&cfg).Error; err != nil {
		return nil, err
	}
	if err := removeBatchSizeConfigCache(businessId); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ToggleActiveBatchSizeConfig(ctx context.Context, id int, isActive bool) (*BatchSizeConfig, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	cfg, err := utils.FetchModel[BatchSizeConfig](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(cfg).
		UpdateColumn("is_active", isActive).Error; err != nil {
		return nil, err
	}
	cfg.IsActive = &isActive
	if err := removeBatchSizeConfigCache(businessId); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigSelector is a batch-size lookup key. Zero values mean unspecified.
type ConfigSelector struct {
	OperationType string `json:"operation_type"`
	MaterialId    int    `json:"material_id"`
	ProductSku    string `json:"product_sku"`
	EquipmentType string `json:"equipment_type"`
}

func batchSizeConfigCacheKey(businessId string) string {
	return "BatchSizeConfigActive:" + businessId
}

func removeBatchSizeConfigCache(businessId string) error {
	return config.RemoveRedisKey(batchSizeConfigCacheKey(businessId))
}

// activeBatchSizeConfigs loads the active rules for a business, redis-cached
// with a short TTL and invalidated on write.
func activeBatchSizeConfigs(ctx context.Context, businessId string) ([]*BatchSizeConfig, error) {

	cacheSeconds := config.BatchSizeConfigCacheSeconds()
	cacheKey := batchSizeConfigCacheKey(businessId)
	var results []*BatchSizeConfig
	if cacheSeconds > 0 {
		exists, err := config.GetRedisObject(cacheKey, &results)
		if err != nil {
			return nil, err
		}
		if exists {
			return results, nil
		}
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("business_id = ? AND is_active = true", businessId).
		Order("priority, id").
		Find(&results).Error; err != nil {
		return nil, err
	}

	if cacheSeconds > 0 {
		if err := config.SetRedisObject(cacheKey, &results, time.Duration(cacheSeconds)*time.Second); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// FindApplicableConfig selects the single best-matching active config for the
// selector, or nil if none matches.
func FindApplicableConfig(ctx context.Context, selector ConfigSelector) (*BatchSizeConfig, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	configs, err := activeBatchSizeConfigs(ctx, businessId)
	if err != nil {
		return nil, err
	}
	return PickConfig(configs, selector), nil
}

// PickConfig is the pure ranked-rule evaluation: exact matches on more
// fields outrank wildcard matches, ties broken by lowest priority, then by
// lowest id for determinism.
func PickConfig(configs []*BatchSizeConfig, selector ConfigSelector) *BatchSizeConfig {

	var best *BatchSizeConfig
	bestSpecificity := -1

	for _, cfg := range configs {
		specificity, ok := configSpecificity(cfg, selector)
		if !ok {
			continue
		}
		switch {
		case specificity > bestSpecificity:
			best, bestSpecificity = cfg, specificity
		case specificity == bestSpecificity && best != nil:
			if cfg.Priority < best.Priority ||
				(cfg.Priority == best.Priority && cfg.ID < best.ID) {
				best = cfg
			}
		}
	}
	return best
}

// configSpecificity counts exactly-matched fields; a set field that
// mismatches disqualifies the config entirely.
func configSpecificity(cfg *BatchSizeConfig, selector ConfigSelector) (int, bool) {
	specificity := 0
	if cfg.OperationType != nil {
		if *cfg.OperationType != selector.OperationType {
			return 0, false
		}
		specificity++
	}
	if cfg.MaterialId != nil {
		if *cfg.MaterialId != selector.MaterialId {
			return 0, false
		}
		specificity++
	}
	if cfg.ProductSku != nil {
		if *cfg.ProductSku != selector.ProductSku {
			return 0, false
		}
		specificity++
	}
	if cfg.EquipmentType != nil {
		if *cfg.EquipmentType != selector.EquipmentType {
			return 0, false
		}
		specificity++
	}
	return specificity, true
}

// BatchSizeResult is a deterministic ordered split plus the applied config
// (nil when no config matched and the quantity passed through whole).
type BatchSizeResult struct {
	Sizes    []decimal.Decimal `json:"sizes"`
	ConfigId *int              `json:"config_id"`
}

// CalculateBatchSizes splits quantity into compliant batch sizes under the
// best-matching config. With no applicable config the whole quantity is one
// batch.
func CalculateBatchSizes(ctx context.Context, quantity decimal.Decimal, selector ConfigSelector) (*BatchSizeResult, error) {

	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	cfg, err := FindApplicableConfig(ctx, selector)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return &BatchSizeResult{Sizes: []decimal.Decimal{quantity}}, nil
	}

	sizes, err := SplitQuantity(quantity, cfg)
	if err != nil {
		return nil, err
	}
	return &BatchSizeResult{Sizes: sizes, ConfigId: &cfg.ID}, nil
}

// SplitQuantity is the pure splitting core. The output always sums exactly
// to the input quantity; when no legal split exists it fails with
// CannotSatisfyBatchConstraints naming the config.
func SplitQuantity(quantity decimal.Decimal, cfg *BatchSizeConfig) ([]decimal.Decimal, error) {

	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	max := cfg.MaxBatchSize
	min := cfg.MinBatchSize
	pref := max
	if cfg.PreferredBatchSize != nil && cfg.PreferredBatchSize.IsPositive() {
		pref = *cfg.PreferredBatchSize
	}
	allowPartial := utils.DereferencePtr(cfg.AllowPartialBatch)

	var sizes []decimal.Decimal
	remaining := quantity
	for remaining.GreaterThanOrEqual(pref) {
		sizes = append(sizes, pref)
		remaining = remaining.Sub(pref)
	}

	if remaining.IsPositive() {
		switch {
		case remaining.GreaterThanOrEqual(min):
			sizes = append(sizes, remaining)
		case allowPartial:
			// undersized final batch is allowed
			sizes = append(sizes, remaining)
		case len(sizes) > 0 && sizes[len(sizes)-1].Add(remaining).LessThanOrEqual(max):
			sizes[len(sizes)-1] = sizes[len(sizes)-1].Add(remaining)
		default:
			return nil, fmt.Errorf("config %d: remainder %s below min %s, partial disallowed and merge exceeds max %s: %w",
				cfg.ID, remaining, min, max, ErrCannotSatisfyBatchConstraints)
		}
	}

	return sizes, nil
}
