package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrUnbalancedTransaction indicates debits != credits for a transaction group.
	ErrUnbalancedTransaction = errors.New("ledger: transaction is unbalanced")
	// ErrAccountNotFound indicates a missing account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrDuplicateAccount indicates the account id is already taken.
	ErrDuplicateAccount = errors.New("ledger: account already exists")
	// ErrDuplicateTransaction indicates the transaction id collides with an existing group.
	ErrDuplicateTransaction = errors.New("ledger: transaction id already exists")
	// ErrTransactionNotFound indicates no postings exist for the transaction id.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	// ErrVersionConflict indicates a compare-and-swap lost against a concurrent writer.
	ErrVersionConflict = errors.New("ledger: account version conflict")
	// ErrInvalidPosting indicates malformed posting input.
	ErrInvalidPosting = errors.New("ledger: invalid posting")
	// ErrInvalidDirection indicates an unknown polarity.
	ErrInvalidDirection = errors.New("ledger: invalid direction")
)

// UnbalancedError carries the totals of a group that failed the integrity check.
type UnbalancedError struct {
	TransactionID string
	Debits        int64
	Credits       int64
}

func (e *UnbalancedError) Error() string {
	if e.TransactionID == "" {
		return fmt.Sprintf("ledger: transaction is unbalanced: debits=%d credits=%d", e.Debits, e.Credits)
	}
	return fmt.Sprintf("ledger: transaction %s is unbalanced: debits=%d credits=%d", e.TransactionID, e.Debits, e.Credits)
}

// Is lets errors.Is match ErrUnbalancedTransaction.
func (e *UnbalancedError) Is(target error) bool {
	return target == ErrUnbalancedTransaction
}
