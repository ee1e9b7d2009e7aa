package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/mes_backend/models"
)

func step(id, sequence int, mandatory bool, status models.StepStatus) *models.RoutingStep {
	parallel := false
	return &models.RoutingStep{
		ID:             id,
		SequenceNumber: sequence,
		IsParallel:     &parallel,
		IsMandatory:    &mandatory,
		Status:         status,
	}
}

func parallelStep(id, sequence int, mandatory bool, status models.StepStatus) *models.RoutingStep {
	s := step(id, sequence, mandatory, status)
	parallel := true
	s.IsParallel = &parallel
	return s
}

func TestStepGateBlockedByIncompleteMandatoryPredecessor(t *testing.T) {
	steps := []*models.RoutingStep{
		step(1, 10, true, models.StepStatusInProgress),
		step(2, 20, true, models.StepStatusPending),
	}
	if models.StepGateOpen(steps, steps[1]) {
		t.Fatalf("step 20 must wait for mandatory step 10")
	}

	steps[0].Status = models.StepStatusCompleted
	if !models.StepGateOpen(steps, steps[1]) {
		t.Fatalf("step 20 must open once step 10 completes")
	}
}

func TestStepGateIgnoresOptionalPredecessors(t *testing.T) {
	steps := []*models.RoutingStep{
		step(1, 10, true, models.StepStatusCompleted),
		step(2, 15, false, models.StepStatusPending), // optional, incomplete
		step(3, 20, true, models.StepStatusPending),
	}
	if !models.StepGateOpen(steps, steps[2]) {
		t.Fatalf("optional step 15 must not gate step 20")
	}
}

func TestStepGateParallelStepsDoNotBlockEachOther(t *testing.T) {
	steps := []*models.RoutingStep{
		step(1, 10, true, models.StepStatusCompleted),
		step(2, 20, true, models.StepStatusPending),
		step(3, 20, true, models.StepStatusInProgress),
	}
	if !models.StepGateOpen(steps, steps[1]) {
		t.Fatalf("steps sharing sequence 20 must not gate each other")
	}
	if !models.StepGateOpen(steps, steps[2]) {
		t.Fatalf("steps sharing sequence 20 must not gate each other")
	}
}

func TestStepGateFirstStepAlwaysOpen(t *testing.T) {
	steps := []*models.RoutingStep{
		step(1, 10, true, models.StepStatusPending),
		step(2, 20, true, models.StepStatusPending),
	}
	if !models.StepGateOpen(steps, steps[0]) {
		t.Fatalf("the lowest sequence step has no predecessors")
	}
}

func TestStepGateSkippedMandatoryPredecessorSatisfiesGate(t *testing.T) {
	steps := []*models.RoutingStep{
		step(1, 10, true, models.StepStatusSkipped),
		step(2, 20, true, models.StepStatusPending),
	}
	if !models.StepGateOpen(steps, steps[1]) {
		t.Fatalf("a skipped mandatory step must not hold the gate shut")
	}
}

func TestStepGateParallelPredecessorNeverBlocks(t *testing.T) {
	steps := []*models.RoutingStep{
		step(1, 10, true, models.StepStatusCompleted),
		parallelStep(2, 15, true, models.StepStatusInProgress), // side-flow inspection
		step(3, 20, true, models.StepStatusPending),
	}
	if !models.StepGateOpen(steps, steps[2]) {
		t.Fatalf("a parallel step must not gate downstream steps")
	}
	// but the routing is not complete until the parallel step settles
	steps[2].Status = models.StepStatusCompleted
	if models.RoutingStepsComplete(steps) {
		t.Fatalf("an open mandatory parallel step must keep the routing incomplete")
	}
	steps[1].Status = models.StepStatusCompleted
	if !models.RoutingStepsComplete(steps) {
		t.Fatalf("routing must complete once the parallel step settles")
	}
}

func TestSortRoutingStepsStableOnTies(t *testing.T) {
	steps := []*models.RoutingStep{
		step(5, 20, true, models.StepStatusPending),
		step(2, 10, true, models.StepStatusPending),
		step(3, 20, true, models.StepStatusPending),
	}
	sorted := models.SortRoutingSteps(steps)
	got := []int{sorted[0].ID, sorted[1].ID, sorted[2].ID}
	want := []int{2, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestRoutingStepsComplete(t *testing.T) {
	steps := []*models.RoutingStep{
		step(1, 10, true, models.StepStatusCompleted),
		step(2, 20, false, models.StepStatusPending), // optional may stay open
		step(3, 30, true, models.StepStatusCompleted),
	}
	if !models.RoutingStepsComplete(steps) {
		t.Fatalf("routing with all mandatory steps completed must be complete")
	}

	steps[2].Status = models.StepStatusInProgress
	if models.RoutingStepsComplete(steps) {
		t.Fatalf("routing with an open mandatory step must not be complete")
	}

	steps[2].Status = models.StepStatusSkipped
	if !models.RoutingStepsComplete(steps) {
		t.Fatalf("a skipped mandatory step must count as settled")
	}
}
