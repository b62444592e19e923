package ledger

import (
	"errors"
	"fmt"

	"github.com/warp/stock-ledger/branch"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for missing identifiers, zero deltas and
	// empty item lists. Nothing was read or written.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoBranchSelected is returned when a scope is resolved for a device
	// that has not picked a branch yet.
	ErrNoBranchSelected = errors.New("no branch selected for device")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ArgumentError names the offending field.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	return fmt.Sprintf("invalid argument: %s %s", e.Field, reason)
}

func (e *ArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

func required(field string) error {
	return &ArgumentError{Field: field}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNoBranchSelected) ||
		errors.Is(err, branch.ErrInvalidBranch) ||
		errors.Is(err, branch.ErrInvalidBinding)
}
