package models

// Batch lifecycle.
type BatchStatus string

const (
	BatchStatusAvailable BatchStatus = "AVAILABLE"
	BatchStatusConsumed  BatchStatus = "CONSUMED"
	BatchStatusBlocked   BatchStatus = "BLOCKED"
	BatchStatusScrapped  BatchStatus = "SCRAPPED"
)

// Allocation lifecycle. RELEASED is terminal; rows are never deleted.
type AllocationStatus string

const (
	AllocationStatusActive   AllocationStatus = "ACTIVE"
	AllocationStatusReleased AllocationStatus = "RELEASED"
)

type MovementType string

const (
	MovementTypeConsumption MovementType = "CONSUMPTION"
	MovementTypeProduction  MovementType = "PRODUCTION"
	MovementTypeAdjustment  MovementType = "ADJUSTMENT"
)

type MovementStatus string

const (
	MovementStatusPending  MovementStatus = "PENDING"
	MovementStatusExecuted MovementStatus = "EXECUTED"
)

type OperationStatus string

const (
	OperationStatusReady      OperationStatus = "READY"
	OperationStatusInProgress OperationStatus = "IN_PROGRESS"
	OperationStatusBlocked    OperationStatus = "BLOCKED"
	OperationStatusCompleted  OperationStatus = "COMPLETED"
)

type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusSkipped    StepStatus = "SKIPPED"
)

type ProcessStatus string

const (
	ProcessStatusPending    ProcessStatus = "PENDING"
	ProcessStatusInProgress ProcessStatus = "IN_PROGRESS"
	ProcessStatusCompleted  ProcessStatus = "COMPLETED"
)

// Genealogy edge type. Only TRANSFORM is produced today (input batches
// transformed into an output batch by a confirmation).
type GenealogyRelationType string

const (
	GenealogyRelationTransform GenealogyRelationType = "TRANSFORM"
)

// BOM validation classifications, most severe wins.
type BomCheckStatus string

const (
	BomCheckMet     BomCheckStatus = "MET"
	BomCheckWarning BomCheckStatus = "WARNING"
	BomCheckError   BomCheckStatus = "ERROR"
)

// Outbox reference types (what kind of side-effect payload a record carries).
type OutboxReferenceType string

const (
	OutboxReferenceAudit     OutboxReferenceType = "AUDIT"
	OutboxReferenceUsage     OutboxReferenceType = "USAGE"
	OutboxReferenceGenealogy OutboxReferenceType = "GENEALOGY"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleOperator UserRole = "O"
)

type PubSubMessageAction string

const (
	PubSubMessageActionCreate PubSubMessageAction = "C"
	PubSubMessageActionUpdate PubSubMessageAction = "U"
	PubSubMessageActionDelete PubSubMessageAction = "D"
)
