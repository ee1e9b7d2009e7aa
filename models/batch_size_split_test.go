package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/mes_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. SplitQuantity and PickConfig
// are the pure cores behind CalculateBatchSizes; the DB/redis plumbing around
// them is covered by the docker-gated regression tests.

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }

func sizingConfig(id int, min, max string, pref *decimal.Decimal, allowPartial bool) *models.BatchSizeConfig {
	return &models.BatchSizeConfig{
		ID:                 id,
		MinBatchSize:       dec(min),
		MaxBatchSize:       dec(max),
		PreferredBatchSize: pref,
		AllowPartialBatch:  boolPtr(allowPartial),
		Priority:           100,
	}
}

func assertSizes(t *testing.T, got []decimal.Decimal, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d batches, got %v", len(want), got)
	}
	for i := range want {
		if !got[i].Equal(dec(want[i])) {
			t.Fatalf("batch %d: expected %s, got %s (full split %v)", i, want[i], got[i], got)
		}
	}
}

func TestSplitQuantityPreferredWithPartialRemainder(t *testing.T) {
	cfg := sizingConfig(1, "20", "120", decPtr("100"), true)
	sizes, err := models.SplitQuantity(dec("250"), cfg)
	if err != nil {
		t.Fatalf("SplitQuantity: %v", err)
	}
	assertSizes(t, sizes, "100", "100", "50")
}

func TestSplitQuantityMergesRemainderBelowMin(t *testing.T) {
	// remainder 10 is below min 20, partial disallowed, but merging into the
	// previous batch stays under max
	cfg := sizingConfig(2, "20", "120", decPtr("100"), false)
	sizes, err := models.SplitQuantity(dec("210"), cfg)
	if err != nil {
		t.Fatalf("SplitQuantity: %v", err)
	}
	assertSizes(t, sizes, "100", "110")
}

func TestSplitQuantityUnsatisfiableConstraints(t *testing.T) {
	// remainder 50 below min 60, partial disallowed, merge 100+50 exceeds max 110
	cfg := sizingConfig(3, "60", "110", decPtr("100"), false)
	_, err := models.SplitQuantity(dec("250"), cfg)
	if !errors.Is(err, models.ErrCannotSatisfyBatchConstraints) {
		t.Fatalf("expected ErrCannotSatisfyBatchConstraints, got %v", err)
	}
}

func TestSplitQuantitySingleBatchWhenUnderPreferred(t *testing.T) {
	cfg := sizingConfig(4, "20", "120", decPtr("100"), false)
	sizes, err := models.SplitQuantity(dec("75"), cfg)
	if err != nil {
		t.Fatalf("SplitQuantity: %v", err)
	}
	assertSizes(t, sizes, "75")
}

func TestSplitQuantityDefaultsPreferredToMax(t *testing.T) {
	cfg := sizingConfig(5, "10", "80", nil, true)
	sizes, err := models.SplitQuantity(dec("200"), cfg)
	if err != nil {
		t.Fatalf("SplitQuantity: %v", err)
	}
	assertSizes(t, sizes, "80", "80", "40")
}

func TestSplitQuantityRejectsNonPositive(t *testing.T) {
	cfg := sizingConfig(6, "20", "120", decPtr("100"), true)
	if _, err := models.SplitQuantity(decimal.Zero, cfg); !errors.Is(err, models.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestSplitQuantitySumsToInput(t *testing.T) {
	cases := []struct {
		qty string
		cfg *models.BatchSizeConfig
	}{
		{"250", sizingConfig(10, "20", "120", decPtr("100"), true)},
		{"33.5", sizingConfig(11, "0", "10", decPtr("7.5"), true)},
		{"1000", sizingConfig(12, "50", "300", nil, false)},
		{"99.99", sizingConfig(13, "1", "25", decPtr("20"), true)},
	}
	for _, c := range cases {
		qty := dec(c.qty)
		sizes, err := models.SplitQuantity(qty, c.cfg)
		if err != nil {
			t.Fatalf("SplitQuantity(%s): %v", c.qty, err)
		}
		sum := decimal.Zero
		for _, s := range sizes {
			if !s.IsPositive() {
				t.Fatalf("SplitQuantity(%s): non-positive batch %s in %v", c.qty, s, sizes)
			}
			if s.GreaterThan(c.cfg.MaxBatchSize) {
				t.Fatalf("SplitQuantity(%s): batch %s exceeds max %s", c.qty, s, c.cfg.MaxBatchSize)
			}
			sum = sum.Add(s)
		}
		if !sum.Equal(qty) {
			t.Fatalf("SplitQuantity(%s): split %v sums to %s", c.qty, sizes, sum)
		}
	}
}

func TestPickConfigMostSpecificWins(t *testing.T) {
	generic := sizingConfig(1, "20", "120", decPtr("100"), true)
	generic.Priority = 10

	assembly := sizingConfig(2, "10", "60", decPtr("50"), false)
	assembly.OperationType = strPtr("ASSEMBLY")
	assembly.Priority = 100

	selector := models.ConfigSelector{OperationType: "ASSEMBLY", MaterialId: 7}
	got := models.PickConfig([]*models.BatchSizeConfig{generic, assembly}, selector)
	if got == nil || got.ID != 2 {
		t.Fatalf("expected operation-specific config 2, got %+v", got)
	}
}

func TestPickConfigTieBrokenByPriorityThenId(t *testing.T) {
	a := sizingConfig(5, "0", "100", nil, true)
	a.OperationType = strPtr("CUTTING")
	a.Priority = 50

	b := sizingConfig(3, "0", "100", nil, true)
	b.MaterialId = intPtr(7)
	b.Priority = 20

	c := sizingConfig(2, "0", "100", nil, true)
	c.MaterialId = intPtr(7)
	c.Priority = 20

	selector := models.ConfigSelector{OperationType: "CUTTING", MaterialId: 7}
	got := models.PickConfig([]*models.BatchSizeConfig{a, b, c}, selector)
	if got == nil || got.ID != 2 {
		t.Fatalf("expected config 2 (same specificity and priority, lowest id), got %+v", got)
	}
}

func TestPickConfigMismatchedFieldDisqualifies(t *testing.T) {
	cfg := sizingConfig(1, "0", "100", nil, true)
	cfg.OperationType = strPtr("PACKING")
	cfg.EquipmentType = strPtr("LINE-A")

	got := models.PickConfig([]*models.BatchSizeConfig{cfg},
		models.ConfigSelector{OperationType: "PACKING", EquipmentType: "LINE-B"})
	if got != nil {
		t.Fatalf("expected no match for mismatched equipment type, got %+v", got)
	}
}

func TestPickConfigNoConfigs(t *testing.T) {
	if got := models.PickConfig(nil, models.ConfigSelector{OperationType: "CUTTING"}); got != nil {
		t.Fatalf("expected nil for empty config set, got %+v", got)
	}
}
