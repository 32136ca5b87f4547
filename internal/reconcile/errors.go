package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrReconciliationInProgress indicates another run holds the reconciliation lock.
	ErrReconciliationInProgress = errors.New("reconcile: reconciliation already in progress")
	// ErrIntegrityViolation indicates an existing transaction group is unbalanced.
	ErrIntegrityViolation = errors.New("reconcile: integrity violation")
	// ErrTooManyRetries indicates an account update lost every compare-and-swap attempt.
	ErrTooManyRetries = errors.New("reconcile: too many retries")
)

// IntegrityViolationError identifies the group that aborted a run.
type IntegrityViolationError struct {
	TransactionID string
	Debits        int64
	Credits       int64
	Err           error
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("reconcile: integrity violation in transaction %s: debits=%d credits=%d", e.TransactionID, e.Debits, e.Credits)
}

// Is lets errors.Is match ErrIntegrityViolation.
func (e *IntegrityViolationError) Is(target error) bool {
	return target == ErrIntegrityViolation
}

// Unwrap exposes the underlying *ledger.UnbalancedError.
func (e *IntegrityViolationError) Unwrap() error {
	return e.Err
}
