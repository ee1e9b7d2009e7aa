package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
)

// Product covers both manufactured goods and raw materials. IsManufactured
// products may carry bom_requirements rows keyed by Sku.
type Product struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"index;not null" json:"business_id"`
	Sku            string    `gorm:"size:100;not null;index:idx_product_biz_sku,unique,priority:2" json:"sku" binding:"required"`
	Name           string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Unit           string    `gorm:"size:20;not null" json:"unit"`
	IsManufactured *bool     `gorm:"not null;default:false" json:"is_manufactured"`
	IsActive       *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p Product) GetBusinessId() string {
	return p.BusinessId
}

type NewProduct struct {
	Sku            string `json:"sku" binding:"required"`
	Name           string `json:"name" binding:"required"`
	Unit           string `json:"unit"`
	IsManufactured bool   `json:"is_manufactured"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewProduct) validate(ctx context.Context, businessId string, id int) error {
	// sku
	if err := utils.ValidateUnique[Product](ctx, businessId, "sku", input.Sku, id); err != nil {
		return err
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	product := Product{
		BusinessId:     businessId,
		Sku:            input.Sku,
		Name:           input.Name,
		Unit:           input.Unit,
		IsManufactured: &input.IsManufactured,
		IsActive:       utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[Product](businessId); err != nil {
		return nil, err
	}
	return &product, nil
}

func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&product).Updates(map[string]interface{}{
		"Sku":            input.Sku,
		"Name":           input.Name,
		"Unit":           input.Unit,
		"IsManufactured": input.IsManufactured,
	}).Error
	if err != nil {
		return nil, err
	}
	if err := RemoveRedisBoth(*product, id); err != nil {
		return nil, err
	}
	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return GetResource[Product](ctx, id)
}

// GetProductBySku looks a product up by its per-business SKU.
// (may return RecordNotFound)
func GetProductBySku(ctx context.Context, businessId string, sku string) (*Product, error) {
	db := config.GetDB()
	var product Product
	err := db.WithContext(ctx).
		Where("business_id = ? AND sku = ?", businessId, sku).
		First(&product).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &product, nil
}

func ListProduct(ctx context.Context) ([]*Product, error) {
	return ListAllResource[Product, Product](ctx, "sku")
}
