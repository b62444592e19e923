package costalloc

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================
// One sentinel per user-visible outcome of a failed saga.

var (
	// ErrStockNotApplied: the deduction did not happen. Safe to retry.
	ErrStockNotApplied = errors.New("stock change was not applied")

	// ErrRecordFailedReverted: the deduction happened, the cost record
	// failed, and the deduction was reversed. Safe to retry.
	ErrRecordFailedReverted = errors.New("cost record failed and stock change was reversed")

	// ErrCompensationFailed: the deduction happened, the cost record failed,
	// and reversing the deduction also failed. Stock may be inconsistent and
	// needs manual reconciliation.
	ErrCompensationFailed = errors.New("stock may be inconsistent, contact support")

	// ErrDuplicateSaga is returned when a request ID was already used.
	ErrDuplicateSaga = errors.New("cost allocation already submitted")
)

// Stage names the saga step a failure ended in.
type Stage string

const (
	StageDeduct     Stage = "deduct"
	StageRecord     Stage = "record"
	StageCompensate Stage = "compensate"
)

// Error codes surfaced to clients.
const (
	CodeStockNotApplied      = "stock_not_applied"
	CodeRecordFailedReverted = "record_failed_reverted"
	CodeCompensationFailed   = "compensation_failed"
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// SagaError reports a failed saga. Cause is the primary failure;
// CompensationCause is set only when the reversal failed too.
type SagaError struct {
	SagaID            string
	Stage             Stage
	Cause             error
	CompensationCause error
}

func (e *SagaError) Error() string {
	switch e.Stage {
	case StageCompensate:
		return fmt.Sprintf("cost allocation %s: %v (record: %v; reversal: %v)", e.SagaID, ErrCompensationFailed, e.Cause, e.CompensationCause)
	case StageRecord:
		return fmt.Sprintf("cost allocation %s: %v: %v", e.SagaID, ErrRecordFailedReverted, e.Cause)
	default:
		return fmt.Sprintf("cost allocation %s: %v: %v", e.SagaID, ErrStockNotApplied, e.Cause)
	}
}

func (e *SagaError) Unwrap() []error {
	errs := []error{e.outcome(), e.Cause}
	if e.CompensationCause != nil {
		errs = append(errs, e.CompensationCause)
	}
	return errs
}

// Code returns the stable client-facing code of the outcome.
func (e *SagaError) Code() string {
	switch e.Stage {
	case StageCompensate:
		return CodeCompensationFailed
	case StageRecord:
		return CodeRecordFailedReverted
	default:
		return CodeStockNotApplied
	}
}

func (e *SagaError) outcome() error {
	switch e.Stage {
	case StageCompensate:
		return ErrCompensationFailed
	case StageRecord:
		return ErrRecordFailedReverted
	default:
		return ErrStockNotApplied
	}
}

// IsCritical reports whether err leaves stock and cost records out of step.
func IsCritical(err error) bool {
	return errors.Is(err, ErrCompensationFailed)
}
