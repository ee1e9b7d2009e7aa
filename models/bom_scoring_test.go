package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/mes_backend/models"
	"github.com/shopspring/decimal"
)

func requirement(productSku string, materialId int, qty, yieldLoss string) *models.BomRequirement {
	return &models.BomRequirement{
		ProductSku:       productSku,
		SequenceLevel:    1,
		MaterialId:       materialId,
		MaterialName:     "material",
		QuantityRequired: dec(qty),
		YieldLossRatio:   dec(yieldLoss),
	}
}

func singleResolution(productSku string, materialId int, qty, yieldLoss string) *models.BomResolution {
	return &models.BomResolution{
		ProductSku: productSku,
		Requirements: []models.ResolvedBomRequirement{
			{
				ProductSku:       productSku,
				SequenceLevel:    1,
				MaterialId:       materialId,
				MaterialName:     "material",
				QuantityRequired: dec(qty),
				YieldLossRatio:   dec(yieldLoss),
			},
		},
		Levels: []int{1},
	}
}

func checkFor(t *testing.T, result *models.BomValidationResult, materialId int) models.BomMaterialCheck {
	t.Helper()
	for _, c := range result.Checks {
		if c.MaterialId == materialId {
			return c
		}
	}
	t.Fatalf("no check for material %d in %+v", materialId, result.Checks)
	return models.BomMaterialCheck{}
}

func TestScoreConsumptionYieldLossInflatesRequirement(t *testing.T) {
	// required 10 x 1.05 = 10.5; consuming the nominal 10 is -4.76%, inside
	// the 5% met band
	resolution := singleResolution("FG-TABLE", 7, "10", "1.05")
	result := models.ScoreConsumption(resolution,
		[]models.MaterialConsumption{{MaterialId: 7, Quantity: dec("10")}},
		dec("5"), dec("20"))

	if !result.Valid {
		t.Fatalf("expected valid result, got errors %v", result.Errors)
	}
	check := checkFor(t, result, 7)
	if check.Status != models.BomCheckMet {
		t.Fatalf("expected MET, got %s (%s)", check.Status, check.Message)
	}
	if !check.RequiredQuantity.Equal(dec("10.5")) {
		t.Fatalf("expected required 10.5, got %s", check.RequiredQuantity)
	}
	if check.VariancePercent == nil || check.VariancePercent.Round(2).Cmp(dec("-4.76")) != 0 {
		t.Fatalf("expected variance ~-4.76, got %v", check.VariancePercent)
	}
}

func TestScoreConsumptionThresholdsAreInclusive(t *testing.T) {
	resolution := singleResolution("FG-TABLE", 7, "100", "1")

	// exactly +5% classifies as MET, not WARNING
	result := models.ScoreConsumption(resolution,
		[]models.MaterialConsumption{{MaterialId: 7, Quantity: dec("105")}},
		dec("5"), dec("20"))
	if got := checkFor(t, result, 7).Status; got != models.BomCheckMet {
		t.Fatalf("variance exactly at met threshold: expected MET, got %s", got)
	}

	// exactly -20% classifies as WARNING, not ERROR
	result = models.ScoreConsumption(resolution,
		[]models.MaterialConsumption{{MaterialId: 7, Quantity: dec("80")}},
		dec("5"), dec("20"))
	if got := checkFor(t, result, 7).Status; got != models.BomCheckWarning {
		t.Fatalf("variance exactly at warning threshold: expected WARNING, got %s", got)
	}
	if !result.Valid {
		t.Fatalf("warnings must not invalidate the result")
	}

	// just past the warning threshold is an ERROR
	result = models.ScoreConsumption(resolution,
		[]models.MaterialConsumption{{MaterialId: 7, Quantity: dec("79.9")}},
		dec("5"), dec("20"))
	if got := checkFor(t, result, 7).Status; got != models.BomCheckError {
		t.Fatalf("variance past warning threshold: expected ERROR, got %s", got)
	}
	if result.Valid {
		t.Fatalf("error checks must invalidate the result")
	}
}

func TestScoreConsumptionRequiredMaterialAbsent(t *testing.T) {
	resolution := singleResolution("FG-TABLE", 7, "10", "1")
	result := models.ScoreConsumption(resolution, nil, dec("5"), dec("20"))

	if result.Valid {
		t.Fatalf("missing required material must invalidate the result")
	}
	check := checkFor(t, result, 7)
	if check.Status != models.BomCheckError {
		t.Fatalf("expected ERROR, got %s", check.Status)
	}
	if check.VariancePercent != nil {
		t.Fatalf("absent material must have nil variance, got %s", check.VariancePercent)
	}
}

func TestScoreConsumptionExtraMaterialIsWarningOnly(t *testing.T) {
	resolution := singleResolution("FG-TABLE", 7, "10", "1")
	result := models.ScoreConsumption(resolution,
		[]models.MaterialConsumption{
			{MaterialId: 7, Quantity: dec("10")},
			{MaterialId: 99, Quantity: dec("3")},
		},
		dec("5"), dec("20"))

	if !result.Valid {
		t.Fatalf("extra material must not invalidate the result, got errors %v", result.Errors)
	}
	extra := checkFor(t, result, 99)
	if extra.Status != models.BomCheckWarning {
		t.Fatalf("expected WARNING for extra material, got %s", extra.Status)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
}

func TestScoreConsumptionSumsDuplicateConsumptionLines(t *testing.T) {
	resolution := singleResolution("FG-TABLE", 7, "10", "1")
	result := models.ScoreConsumption(resolution,
		[]models.MaterialConsumption{
			{MaterialId: 7, Quantity: dec("6")},
			{MaterialId: 7, Quantity: dec("4")},
		},
		dec("5"), dec("20"))

	check := checkFor(t, result, 7)
	if !check.ActualQuantity.Equal(dec("10")) {
		t.Fatalf("expected summed actual 10, got %s", check.ActualQuantity)
	}
	if check.Status != models.BomCheckMet {
		t.Fatalf("expected MET, got %s", check.Status)
	}
}

func TestResolveBomTreeScalesThroughSubAssemblies(t *testing.T) {
	// FG-TABLE needs 2 x SF-TOP (yield 1.1); SF-TOP is manufactured and needs
	// 3 x RM-WOOD. The wood requirement scales by 2 x 1.1 = 2.2.
	rows := []*models.BomRequirement{
		requirement("FG-TABLE", 100, "2", "1.1"),
		requirement("SF-TOP", 200, "3", "1"),
	}
	skuByMaterialId := map[int]string{100: "SF-TOP"}

	resolution, err := models.ResolveBomTree("FG-TABLE", rows, skuByMaterialId)
	if err != nil {
		t.Fatalf("ResolveBomTree: %v", err)
	}
	if len(resolution.Requirements) != 2 {
		t.Fatalf("expected 2 resolved requirements, got %+v", resolution.Requirements)
	}

	var wood *models.ResolvedBomRequirement
	for i := range resolution.Requirements {
		if resolution.Requirements[i].MaterialId == 200 {
			wood = &resolution.Requirements[i]
		}
	}
	if wood == nil {
		t.Fatalf("sub-assembly material not resolved: %+v", resolution.Requirements)
	}
	if !wood.QuantityRequired.Equal(dec("6.6")) {
		t.Fatalf("expected scaled quantity 6.6, got %s", wood.QuantityRequired)
	}
	if wood.SequenceLevel != 2 {
		t.Fatalf("expected nested sequence level 2, got %d", wood.SequenceLevel)
	}
}

func TestResolveBomTreeDiamondSharedSubAssembly(t *testing.T) {
	// Two sub-assemblies both consume the same raw material; each path keeps
	// its own scale.
	rows := []*models.BomRequirement{
		requirement("FG-DESK", 100, "1", "1"), // SF-FRAME
		requirement("FG-DESK", 101, "2", "1"), // SF-DRAWER
		requirement("SF-FRAME", 300, "4", "1"),
		requirement("SF-DRAWER", 300, "1", "1"),
	}
	skuByMaterialId := map[int]string{100: "SF-FRAME", 101: "SF-DRAWER"}

	resolution, err := models.ResolveBomTree("FG-DESK", rows, skuByMaterialId)
	if err != nil {
		t.Fatalf("ResolveBomTree: %v", err)
	}

	total := decimal.Zero
	for _, r := range resolution.Requirements {
		if r.MaterialId == 300 {
			total = total.Add(r.QuantityRequired)
		}
	}
	// 1x4 through the frame plus 2x1 through the drawers
	if !total.Equal(dec("6")) {
		t.Fatalf("expected total raw requirement 6, got %s (%+v)", total, resolution.Requirements)
	}
}

func TestResolveBomTreeDetectsCycle(t *testing.T) {
	rows := []*models.BomRequirement{
		requirement("SKU-A", 1, "1", "1"),
		requirement("SKU-B", 2, "1", "1"),
	}
	// material 1 is SKU-B, material 2 is SKU-A: A -> B -> A
	skuByMaterialId := map[int]string{1: "SKU-B", 2: "SKU-A"}

	_, err := models.ResolveBomTree("SKU-A", rows, skuByMaterialId)
	if !errors.Is(err, models.ErrCyclicBom) {
		t.Fatalf("expected ErrCyclicBom, got %v", err)
	}
}

func TestResolveBomTreeNoRequirements(t *testing.T) {
	resolution, err := models.ResolveBomTree("RM-WOOD", nil, nil)
	if err != nil {
		t.Fatalf("ResolveBomTree: %v", err)
	}
	if len(resolution.Requirements) != 0 || len(resolution.Levels) != 0 {
		t.Fatalf("expected empty resolution, got %+v", resolution)
	}
}
