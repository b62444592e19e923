package docstore

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConflict is returned by a commit attempt when a document read in the
	// transaction was changed by another writer. Stores retry on it.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrTransactionFailed is returned when a transaction could not be
	// committed. Nothing it buffered was written.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrInvalidKey is returned for empty collection names or keys.
	ErrInvalidKey = errors.New("invalid collection or key")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransactionError reports a transaction that exhausted its retry budget.
type TransactionError struct {
	Attempts int
	Cause    error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *TransactionError) Unwrap() []error {
	return []error{ErrTransactionFailed, e.Cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// ValidateKey checks a (collection, key) address.
func ValidateKey(collection, key string) error {
	if collection == "" || key == "" {
		return fmt.Errorf("%w: collection=%q key=%q", ErrInvalidKey, collection, key)
	}
	return nil
}
