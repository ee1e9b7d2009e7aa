package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"gorm.io/gorm"
)

// Process is the runtime production run; its progression is derived from the
// routing steps, not edited directly.
type Process struct {
	ID         int           `gorm:"primary_key" json:"id"`
	BusinessId string        `gorm:"size:64;index;not null" json:"business_id"`
	Code       string        `gorm:"size:50;not null" json:"code"`
	Name       string        `gorm:"size:255" json:"name"`
	Status     ProcessStatus `gorm:"type:enum('PENDING','IN_PROGRESS','COMPLETED');default:PENDING" json:"status"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p Process) GetBusinessId() string {
	return p.BusinessId
}

type Routing struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;index;not null" json:"business_id"`
	ProcessId  int       `gorm:"index;not null" json:"process_id"`
	Name       string    `gorm:"size:255" json:"name"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r Routing) GetBusinessId() string {
	return r.BusinessId
}

// RoutingStep orders operations within a routing. Steps sharing a
// sequenceNumber run in parallel and do not block each other; everything at
// a lower sequence number gates everything above it.
type RoutingStep struct {
	ID             int        `gorm:"primary_key" json:"id"`
	BusinessId     string     `gorm:"size:64;index;not null" json:"business_id"`
	RoutingId      int        `gorm:"index;not null" json:"routing_id"`
	SequenceNumber int        `gorm:"not null" json:"sequence_number"`
	IsParallel     *bool      `gorm:"not null;default:false" json:"is_parallel"`
	IsMandatory    *bool      `gorm:"not null;default:true" json:"is_mandatory"`
	Status         StepStatus `gorm:"type:enum('PENDING','IN_PROGRESS','COMPLETED','SKIPPED');default:PENDING" json:"status"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s RoutingStep) GetBusinessId() string {
	return s.BusinessId
}

type Operation struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"size:64;index;not null" json:"business_id"`
	Code          string          `gorm:"size:50;not null" json:"code"`
	Name          string          `gorm:"size:255" json:"name"`
	OperationType string          `gorm:"size:50" json:"operation_type"`
	RoutingStepId int             `gorm:"index;not null" json:"routing_step_id"`
	Status        OperationStatus `gorm:"type:enum('READY','IN_PROGRESS','BLOCKED','COMPLETED');default:READY" json:"status"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o Operation) GetBusinessId() string {
	return o.BusinessId
}

/* creation (seeding / routing setup) */

type NewProcess struct {
	Code string `json:"code" binding:"required"`
	Name string `json:"name"`
}

func CreateProcess(ctx context.Context, input *NewProcess) (*Process, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateUnique[Process](ctx, businessId, "code", input.Code, 0); err != nil {
		return nil, err
	}

	process := Process{
		BusinessId: businessId,
		Code:       input.Code,
		Name:       input.Name,
		Status:     ProcessStatusPending,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&process).Error; err != nil {
		return nil, err
	}
	return &process, nil
}

func CreateRouting(ctx context.Context, processId int, name string) (*Routing, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[Process](ctx, businessId, processId); err != nil {
		return nil, errors.New("process not found")
	}

	routing := Routing{
		BusinessId: businessId,
		ProcessId:  processId,
		Name:       name,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&routing).Error; err != nil {
		return nil, err
	}
	return &routing, nil
}

type NewRoutingStep struct {
	RoutingId      int  `json:"routing_id" binding:"required"`
	SequenceNumber int  `json:"sequence_number" binding:"required"`
	IsParallel     bool `json:"is_parallel"`
	IsMandatory    bool `json:"is_mandatory"`
}

func CreateRoutingStep(ctx context.Context, input *NewRoutingStep) (*RoutingStep, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[Routing](ctx, businessId, input.RoutingId); err != nil {
		return nil, errors.New("routing not found")
	}
	if input.SequenceNumber <= 0 {
		return nil, errors.New("sequence number must be greater than zero")
	}

	step := RoutingStep{
		BusinessId:     businessId,
		RoutingId:      input.RoutingId,
		SequenceNumber: input.SequenceNumber,
		IsParallel:     &input.IsParallel,
		IsMandatory:    &input.IsMandatory,
		Status:         StepStatusPending,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&step).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[RoutingStep](businessId); err != nil {
		return nil, err
	}
	return &step, nil
}

type NewOperation struct {
	Code          string `json:"code" binding:"required"`
	Name          string `json:"name"`
	OperationType string `json:"operation_type"`
	RoutingStepId int    `json:"routing_step_id" binding:"required"`
}

func CreateOperation(ctx context.Context, input *NewOperation) (*Operation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[RoutingStep](ctx, businessId, input.RoutingStepId); err != nil {
		return nil, errors.New("routing step not found")
	}

	operation := Operation{
		BusinessId:    businessId,
		Code:          input.Code,
		Name:          input.Name,
		OperationType: input.OperationType,
		RoutingStepId: input.RoutingStepId,
		Status:        OperationStatusReady,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&operation).Error; err != nil {
		return nil, err
	}
	return &operation, nil
}

func GetOperation(ctx context.Context, id int) (*Operation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Operation](ctx, businessId, id)
}

/* gate semantics */

// SortRoutingSteps orders steps by sequence number, insertion order for ties.
func SortRoutingSteps(steps []*RoutingStep) []*RoutingStep {
	sorted := make([]*RoutingStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SequenceNumber != sorted[j].SequenceNumber {
			return sorted[i].SequenceNumber < sorted[j].SequenceNumber
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// StepGateOpen reports whether the target step may proceed: every mandatory
// step at a lower sequence number must be settled (COMPLETED or SKIPPED).
// Steps sharing the target's sequence number never block it, and neither do
// steps flagged parallel, which run alongside the main flow at whatever
// sequence number they carry.
func StepGateOpen(steps []*RoutingStep, target *RoutingStep) bool {
	for _, step := range steps {
		if step.SequenceNumber >= target.SequenceNumber {
			continue
		}
		if utils.DereferencePtr(step.IsParallel) {
			continue
		}
		if !utils.DereferencePtr(step.IsMandatory) {
			continue
		}
		if !stepSettled(step) {
			return false
		}
	}
	return true
}

// RoutingStepsComplete reports whether every mandatory step is settled.
// Parallel steps still count here: they do not gate successors but the
// routing is not done until they are.
func RoutingStepsComplete(steps []*RoutingStep) bool {
	for _, step := range steps {
		if utils.DereferencePtr(step.IsMandatory) && !stepSettled(step) {
			return false
		}
	}
	return true
}

// stepSettled reports whether a step no longer demands work. A supervisor
// skip is as final as completion for gating purposes.
func stepSettled(step *RoutingStep) bool {
	return step.Status == StepStatusCompleted || step.Status == StepStatusSkipped
}

func loadRoutingSteps(ctx context.Context, tx *gorm.DB, businessId string, routingId int) ([]*RoutingStep, error) {
	var steps []*RoutingStep
	err := tx.WithContext(ctx).
		Where("business_id = ? AND routing_id = ?", businessId, routingId).
		Order("sequence_number, id").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// GetRoutingStepsInOrder returns a routing's steps in execution order.
func GetRoutingStepsInOrder(ctx context.Context, routingId int) ([]*RoutingStep, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	return loadRoutingSteps(ctx, db, businessId, routingId)
}

// CanOperationProceed checks the routing gate for an operation.
func CanOperationProceed(ctx context.Context, operationId int) (bool, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return false, errors.New("business id is required")
	}
	db := config.GetDB()
	return CanOperationProceedTx(ctx, db, businessId, operationId)
}

func CanOperationProceedTx(ctx context.Context, tx *gorm.DB, businessId string, operationId int) (bool, error) {
	_, step, err := fetchOperationWithStep(ctx, tx, businessId, operationId)
	if err != nil {
		return false, err
	}

	steps, err := loadRoutingSteps(ctx, tx, businessId, step.RoutingId)
	if err != nil {
		return false, err
	}
	return StepGateOpen(steps, step), nil
}

// IsRoutingComplete reports whether every mandatory step of a routing is
// COMPLETED.
func IsRoutingComplete(ctx context.Context, routingId int) (bool, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return false, errors.New("business id is required")
	}

	db := config.GetDB()
	steps, err := loadRoutingSteps(ctx, db, businessId, routingId)
	if err != nil {
		return false, err
	}
	return RoutingStepsComplete(steps), nil
}

func fetchOperationWithStep(ctx context.Context, tx *gorm.DB, businessId string, operationId int) (*Operation, *RoutingStep, error) {
	var operation Operation
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&operation, operationId).Error; err != nil {
		return nil, nil, utils.ErrorRecordNotFound
	}
	var step RoutingStep
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&step, operation.RoutingStepId).Error; err != nil {
		return nil, nil, utils.ErrorRecordNotFound
	}
	return &operation, &step, nil
}

/* status transitions */

// StartOperation moves READY -> IN_PROGRESS after consulting the routing
// gate, pulling the step (and owning process) along.
func StartOperation(ctx context.Context, operationId int) (*Operation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var result *Operation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		operation, step, err := fetchOperationWithStep(ctx, tx, businessId, operationId)
		if err != nil {
			return err
		}
		if operation.Status != OperationStatusReady {
			return fmt.Errorf("operation %d is %s: %w", operationId, operation.Status, ErrOperationNotEligible)
		}

		steps, err := loadRoutingSteps(ctx, tx, businessId, step.RoutingId)
		if err != nil {
			return err
		}
		if !StepGateOpen(steps, step) {
			return fmt.Errorf("operation %d: %w", operationId, ErrRoutingPredecessorIncomplete)
		}

		if err := tx.WithContext(ctx).Model(operation).
			UpdateColumn("status", OperationStatusInProgress).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Model(step).
			UpdateColumn("status", StepStatusInProgress).Error; err != nil {
			return err
		}

		var routing Routing
		if err := tx.WithContext(ctx).
			Where("business_id = ?", businessId).
			First(&routing, step.RoutingId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if err := tx.WithContext(ctx).Model(&Process{}).
			Where("business_id = ? AND id = ? AND status = ?", businessId, routing.ProcessId, ProcessStatusPending).
			UpdateColumn("status", ProcessStatusInProgress).Error; err != nil {
			return err
		}

		operation.Status = OperationStatusInProgress
		result = operation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SkipRoutingStep marks a PENDING step SKIPPED. A skipped step satisfies the
// gate and routing completion like a completed one, so skipping is the
// supervisor's way past a step that will not run. Started or finished steps
// cannot be skipped.
func SkipRoutingStep(ctx context.Context, stepId int) (*RoutingStep, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var result *RoutingStep
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step RoutingStep
		if err := tx.WithContext(ctx).
			Where("business_id = ?", businessId).
			First(&step, stepId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if step.Status != StepStatusPending {
			return fmt.Errorf("routing step %d is %s, only PENDING steps can be skipped", stepId, step.Status)
		}
		if err := tx.WithContext(ctx).Model(&step).
			UpdateColumn("status", StepStatusSkipped).Error; err != nil {
			return err
		}
		step.Status = StepStatusSkipped
		result = &step
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BlockOperation puts a READY or IN_PROGRESS operation on hold.
func BlockOperation(ctx context.Context, operationId int) (*Operation, error) {
	return transitionOperation(ctx, operationId, OperationStatusBlocked,
		OperationStatusReady, OperationStatusInProgress)
}

// UnblockOperation returns a BLOCKED operation to READY.
func UnblockOperation(ctx context.Context, operationId int) (*Operation, error) {
	return transitionOperation(ctx, operationId, OperationStatusReady, OperationStatusBlocked)
}

func transitionOperation(ctx context.Context, operationId int, to OperationStatus, validFrom ...OperationStatus) (*Operation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	operation, err := utils.FetchModel[Operation](ctx, businessId, operationId)
	if err != nil {
		return nil, err
	}

	eligible := false
	for _, from := range validFrom {
		if operation.Status == from {
			eligible = true
			break
		}
	}
	if !eligible {
		return nil, fmt.Errorf("operation %d is %s: %w", operationId, operation.Status, ErrOperationNotEligible)
	}

	if err := db.WithContext(ctx).Model(operation).
		UpdateColumn("status", to).Error; err != nil {
		return nil, err
	}
	operation.Status = to
	return operation, nil
}

// CompleteOperationTx finishes an operation inside an existing transaction:
// operation COMPLETED, its step COMPLETED, and the owning process advanced
// when the routing's last mandatory step just finished.
func CompleteOperationTx(ctx context.Context, tx *gorm.DB, businessId string, operationId int) error {

	operation, step, err := fetchOperationWithStep(ctx, tx, businessId, operationId)
	if err != nil {
		return err
	}

	if err := tx.WithContext(ctx).Model(operation).
		UpdateColumn("status", OperationStatusCompleted).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Model(step).
		UpdateColumn("status", StepStatusCompleted).Error; err != nil {
		return err
	}
	step.Status = StepStatusCompleted

	steps, err := loadRoutingSteps(ctx, tx, businessId, step.RoutingId)
	if err != nil {
		return err
	}

	var routing Routing
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&routing, step.RoutingId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}

	processStatus := ProcessStatusInProgress
	if RoutingStepsComplete(steps) {
		processStatus = ProcessStatusCompleted
	}
	return tx.WithContext(ctx).Model(&Process{}).
		Where("business_id = ? AND id = ?", businessId, routing.ProcessId).
		UpdateColumn("status", processStatus).Error
}
