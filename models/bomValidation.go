package models

import (
	"context"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"github.com/shopspring/decimal"
)

type MaterialConsumption struct {
	MaterialId int             `json:"material_id" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required"`
}

// BomMaterialCheck scores one material's actual consumption against its
// requirement. VariancePercent is nil for required-but-absent materials
// (no meaningful arithmetic) and for extras outside the BOM.
type BomMaterialCheck struct {
	MaterialId       int              `json:"material_id"`
	MaterialName     string           `json:"material_name"`
	RequiredQuantity decimal.Decimal  `json:"required_quantity"`
	ActualQuantity   decimal.Decimal  `json:"actual_quantity"`
	VariancePercent  *decimal.Decimal `json:"variance_percent"`
	Status           BomCheckStatus   `json:"status"`
	Message          string           `json:"message"`
}

type BomValidationResult struct {
	ProductSku string             `json:"product_sku"`
	Valid      bool               `json:"valid"`
	Checks     []BomMaterialCheck `json:"checks"`
	Warnings   []string           `json:"warnings"`
	Errors     []string           `json:"errors"`
}

// ValidateConsumption resolves the product's requirement tree and scores the
// declared consumption against it. Warnings never make the result invalid;
// any ERROR check does.
func ValidateConsumption(ctx context.Context, productSku string, consumed []MaterialConsumption) (*BomValidationResult, error) {

	resolution, err := GetBomRequirements(ctx, productSku)
	if err != nil {
		return nil, err
	}

	result := ScoreConsumption(resolution, consumed,
		config.BomVarianceMetPercent(), config.BomVarianceWarningPercent())
	return result, nil
}

// ScoreConsumption is the pure scoring core. Thresholds are inclusive: a
// variance of exactly warningPercent still classifies as WARNING.
func ScoreConsumption(resolution *BomResolution, consumed []MaterialConsumption, metPercent decimal.Decimal, warningPercent decimal.Decimal) *BomValidationResult {

	result := &BomValidationResult{
		ProductSku: resolution.ProductSku,
		Valid:      true,
	}

	// requiredQuantity = sum(quantityRequired x yieldLossRatio) per material
	type requirementTotal struct {
		materialId   int
		materialName string
		required     decimal.Decimal
	}
	requiredByMaterial := make(map[int]*requirementTotal)
	var materialOrder []int
	for _, r := range resolution.Requirements {
		total, ok := requiredByMaterial[r.MaterialId]
		if !ok {
			total = &requirementTotal{materialId: r.MaterialId, materialName: r.MaterialName}
			requiredByMaterial[r.MaterialId] = total
			materialOrder = append(materialOrder, r.MaterialId)
		}
		total.required = total.required.Add(r.QuantityRequired.Mul(r.YieldLossRatio))
	}

	actualByMaterial := make(map[int]decimal.Decimal)
	for _, c := range consumed {
		actualByMaterial[c.MaterialId] = actualByMaterial[c.MaterialId].Add(c.Quantity)
	}

	hundred := decimal.NewFromInt(100)
	for _, materialId := range materialOrder {
		total := requiredByMaterial[materialId]
		actual := actualByMaterial[materialId]

		check := BomMaterialCheck{
			MaterialId:       total.materialId,
			MaterialName:     total.materialName,
			RequiredQuantity: total.required,
			ActualQuantity:   actual,
		}

		// required but never consumed is a hard miss, no variance arithmetic
		if actual.IsZero() {
			check.Status = BomCheckError
			check.Message = fmt.Sprintf("material %d (%s) required (%s) but not consumed",
				total.materialId, total.materialName, total.required)
			result.Errors = append(result.Errors, check.Message)
			result.Valid = false
			result.Checks = append(result.Checks, check)
			continue
		}

		variance := actual.Sub(total.required).Div(total.required).Mul(hundred)
		check.VariancePercent = &variance

		switch {
		case variance.Abs().LessThanOrEqual(metPercent):
			check.Status = BomCheckMet
		case variance.Abs().LessThanOrEqual(warningPercent):
			check.Status = BomCheckWarning
			check.Message = fmt.Sprintf("material %d (%s) variance %s%% (required %s, actual %s)",
				total.materialId, total.materialName, variance.StringFixed(2), total.required, actual)
			result.Warnings = append(result.Warnings, check.Message)
		default:
			check.Status = BomCheckError
			check.Message = fmt.Sprintf("material %d (%s) variance %s%% exceeds limit (required %s, actual %s)",
				total.materialId, total.materialName, variance.StringFixed(2), total.required, actual)
			result.Errors = append(result.Errors, check.Message)
			result.Valid = false
		}
		result.Checks = append(result.Checks, check)
	}

	// extra materials outside the BOM are reported, not rejected (substitute
	// and extra-material scenarios)
	var extras []int
	for materialId := range actualByMaterial {
		if _, ok := requiredByMaterial[materialId]; !ok {
			extras = append(extras, materialId)
		}
	}
	sort.Ints(extras)
	for _, materialId := range extras {
		actual := actualByMaterial[materialId]
		message := fmt.Sprintf("material %d consumed (%s) but not in bom", materialId, actual)
		result.Warnings = append(result.Warnings, message)
		result.Checks = append(result.Checks, BomMaterialCheck{
			MaterialId:     materialId,
			ActualQuantity: actual,
			Status:         BomCheckWarning,
			Message:        message,
		})
	}

	return result
}
