package models

import "errors"

// Business-rule sentinels. Wrap with fmt.Errorf("...: %w", err) to add
// context; callers match with errors.Is.
var (
	// validation
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")

	// state conflicts
	ErrInsufficientCapacity         = errors.New("insufficient batch capacity")
	ErrAlreadyReleased              = errors.New("allocation already released")
	ErrAlreadyExecuted              = errors.New("movement already executed")
	ErrBatchNotAvailable            = errors.New("batch is not available")
	ErrInsufficientBatchQuantity    = errors.New("batch cannot cover declared quantity")
	ErrOperationNotEligible         = errors.New("operation is not eligible for confirmation")
	ErrRoutingPredecessorIncomplete = errors.New("mandatory predecessor routing steps are incomplete")
	ErrBomValidationFailed          = errors.New("bom validation failed")

	// configuration-data errors, reported with enough context to fix the row
	ErrCyclicBom                     = errors.New("cyclic bom reference")
	ErrCannotSatisfyBatchConstraints = errors.New("cannot satisfy batch size constraints")
)
