package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func effectBatch(qty string) *Batch {
	q, _ := decimal.NewFromString(qty)
	return &Batch{ID: 1, Quantity: q, Status: BatchStatusAvailable}
}

func effectMovement(movementType MovementType, qty string) *InventoryMovement {
	q, _ := decimal.NewFromString(qty)
	return &InventoryMovement{MovementType: movementType, Quantity: q}
}

func TestApplyMovementEffectConsumptionSubtracts(t *testing.T) {
	got, err := applyMovementEffect(effectBatch("100"), effectMovement(MovementTypeConsumption, "40"))
	if err != nil {
		t.Fatalf("applyMovementEffect: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected 60, got %s", got)
	}
}

func TestApplyMovementEffectConsumptionCannotOverdraw(t *testing.T) {
	_, err := applyMovementEffect(effectBatch("100"), effectMovement(MovementTypeConsumption, "100.0001"))
	if !errors.Is(err, ErrInsufficientBatchQuantity) {
		t.Fatalf("expected ErrInsufficientBatchQuantity, got %v", err)
	}
}

func TestApplyMovementEffectConsumptionToExactlyZero(t *testing.T) {
	got, err := applyMovementEffect(effectBatch("100"), effectMovement(MovementTypeConsumption, "100"))
	if err != nil {
		t.Fatalf("applyMovementEffect: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestApplyMovementEffectProductionAdds(t *testing.T) {
	got, err := applyMovementEffect(effectBatch("10"), effectMovement(MovementTypeProduction, "5.5"))
	if err != nil {
		t.Fatalf("applyMovementEffect: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("15.5")) {
		t.Fatalf("expected 15.5, got %s", got)
	}
}

func TestApplyMovementEffectAdjustmentIsSigned(t *testing.T) {
	got, err := applyMovementEffect(effectBatch("10"), effectMovement(MovementTypeAdjustment, "-3"))
	if err != nil {
		t.Fatalf("applyMovementEffect: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected 7, got %s", got)
	}

	_, err = applyMovementEffect(effectBatch("10"), effectMovement(MovementTypeAdjustment, "-10.5"))
	if !errors.Is(err, ErrInsufficientBatchQuantity) {
		t.Fatalf("expected ErrInsufficientBatchQuantity for negative result, got %v", err)
	}
}

func TestApplyMovementEffectUnknownTypeFails(t *testing.T) {
	if _, err := applyMovementEffect(effectBatch("10"), effectMovement(MovementType("TRANSFER"), "1")); err == nil {
		t.Fatalf("expected error for unknown movement type")
	}
}
