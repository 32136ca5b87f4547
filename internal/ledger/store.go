package ledger

import (
	"context"
	"time"
)

// AccountStore persists accounts and their snapshot state.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	PutAccount(ctx context.Context, account Account) error
	ListAccounts(ctx context.Context) ([]Account, error)
	// CompareAndSwapClosedBalance stores newBalance and through and bumps the
	// version by one only when the stored version equals expectedVersion.
	// It fails with ErrVersionConflict or ErrAccountNotFound.
	CompareAndSwapClosedBalance(ctx context.Context, id string, newBalance, expectedVersion int64, through time.Time) error
}

// PostingWriter is the write side of a posting batch. Writes become visible
// to readers only when the surrounding WithTx returns nil.
type PostingWriter interface {
	Put(ctx context.Context, posting Posting) error
	Delete(ctx context.Context, id string) error
	TransactionExists(ctx context.Context, transactionID string) (bool, error)
}

// PostingStore persists the posting event log.
type PostingStore interface {
	// WithTx runs fn atomically. When fn fails every posting it wrote is removed.
	WithTx(ctx context.Context, fn func(context.Context, PostingWriter) error) error
	FindByTransactionID(ctx context.Context, transactionID string) ([]Posting, error)
	FindByAccountID(ctx context.Context, accountID string) ([]Posting, error)
	FindUnreconciledByAccountID(ctx context.Context, accountID string) ([]Posting, error)
	// FindReconciledSince returns reconciled postings of the account with
	// reconciled_at after since. A nil since returns every reconciled posting.
	FindReconciledSince(ctx context.Context, accountID string, since *time.Time) ([]Posting, error)
	// FindUnsettledByAccountID returns, in one consistent read, the open
	// postings of the account and those reconciled after since.
	FindUnsettledByAccountID(ctx context.Context, accountID string, since *time.Time) ([]Posting, error)
	AllTransactionIDs(ctx context.Context) ([]string, error)
	UnreconciledTransactionIDs(ctx context.Context) ([]string, error)
	AccountIDs(ctx context.Context) ([]string, error)
	// LastReconciledAt returns the latest reconciliation stamp found on any
	// posting or account watermark, or nil when nothing was reconciled yet.
	LastReconciledAt(ctx context.Context) (*time.Time, error)
	// MarkGroupReconciled sets reconciled_at on every open posting of the group
	// in one atomic step and returns the number of postings updated.
	MarkGroupReconciled(ctx context.Context, transactionID string, at time.Time) (int, error)
}
