package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func newService(t *testing.T) (*ledger.Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return ledger.NewService(store, store, nil, nil), store
}

func mustAccount(t *testing.T, svc *ledger.Service, id string, dir ledger.Direction, balance int64) ledger.Account {
	t.Helper()
	account, err := svc.CreateAccount(context.Background(), ledger.AccountInput{ID: id, Direction: dir, ClosedBalance: balance})
	require.NoError(t, err)
	return account
}

func transfer(id string, debit, credit string, amount int64) ledger.TransactionInput {
	return ledger.TransactionInput{
		ID:   id,
		Name: "transfer",
		Postings: []ledger.PostingInput{
			{AccountID: debit, Direction: ledger.DirectionDebit, Amount: amount},
			{AccountID: credit, Direction: ledger.DirectionCredit, Amount: amount},
		},
	}
}

func TestCreateAccountDefaults(t *testing.T) {
	svc, _ := newService(t)
	account, err := svc.CreateAccount(context.Background(), ledger.AccountInput{Direction: ledger.DirectionCredit})
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)
	assert.Zero(t, account.ClosedBalance)
	assert.Zero(t, account.Version)
	assert.Nil(t, account.ReconciledThrough)

	_, err = svc.CreateAccount(context.Background(), ledger.AccountInput{ID: account.ID, Direction: ledger.DirectionDebit})
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccount)

	_, err = svc.CreateAccount(context.Background(), ledger.AccountInput{Direction: "up"})
	assert.ErrorIs(t, err, ledger.ErrInvalidDirection)
}

func TestCreateTransactionUpdatesBothBalances(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	mustAccount(t, svc, "A", ledger.DirectionDebit, 0)
	mustAccount(t, svc, "B", ledger.DirectionCredit, 0)

	tx, err := svc.CreateTransaction(ctx, transfer("", "A", "B", 10000))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "transfer", tx.Name)
	require.Len(t, tx.Postings, 2)
	for _, p := range tx.Postings {
		assert.Equal(t, tx.ID, p.TransactionID)
		assert.Equal(t, tx.CreatedAt, p.CreatedAt)
		assert.Nil(t, p.ReconciledAt)
	}

	balanceA, err := svc.GetAccountBalance(ctx, "A")
	require.NoError(t, err)
	balanceB, err := svc.GetAccountBalance(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balanceA)
	assert.Equal(t, int64(10000), balanceB)

	stored, err := svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Postings, 2)
}

func TestCreateTransactionRejectsUnbalanced(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	mustAccount(t, svc, "A", ledger.DirectionDebit, 0)
	mustAccount(t, svc, "B", ledger.DirectionCredit, 0)

	_, err := svc.CreateTransaction(ctx, ledger.TransactionInput{Postings: []ledger.PostingInput{
		{AccountID: "A", Direction: ledger.DirectionDebit, Amount: 1000},
		{AccountID: "B", Direction: ledger.DirectionCredit, Amount: 500},
	}})
	require.ErrorIs(t, err, ledger.ErrUnbalancedTransaction)
	var unbalanced *ledger.UnbalancedError
	require.True(t, errors.As(err, &unbalanced))
	assert.Equal(t, int64(1000), unbalanced.Debits)
	assert.Equal(t, int64(500), unbalanced.Credits)

	for _, id := range []string{"A", "B"} {
		postings, err := store.FindByAccountID(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, postings)
	}
}

func TestCreateTransactionValidatesBeforePersisting(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	mustAccount(t, svc, "A", ledger.DirectionDebit, 0)

	_, err := svc.CreateTransaction(ctx, transfer("t-1", "A", "missing", 100))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Contains(t, err.Error(), "missing")

	ids, err := store.AllTransactionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateTransactionRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	mustAccount(t, svc, "A", ledger.DirectionDebit, 0)
	mustAccount(t, svc, "B", ledger.DirectionCredit, 0)

	_, err := svc.CreateTransaction(ctx, transfer("t-1", "A", "B", 100))
	require.NoError(t, err)
	_, err = svc.CreateTransaction(ctx, transfer("t-1", "A", "B", 900))
	require.ErrorIs(t, err, ledger.ErrDuplicateTransaction)

	postings, err := store.FindByTransactionID(ctx, "t-1")
	require.NoError(t, err)
	assert.Len(t, postings, 2)
}

// failingPostings fails the n-th Put inside a batch.
type failingPostings struct {
	*memstore.Store
	failAt int
}

type failingWriter struct {
	ledger.PostingWriter
	failAt int
	puts   int
}

func (w *failingWriter) Put(ctx context.Context, p ledger.Posting) error {
	w.puts++
	if w.puts == w.failAt {
		return errors.New("disk full")
	}
	return w.PostingWriter.Put(ctx, p)
}

func (f failingPostings) WithTx(ctx context.Context, fn func(context.Context, ledger.PostingWriter) error) error {
	return f.Store.WithTx(ctx, func(ctx context.Context, tx ledger.PostingWriter) error {
		return fn(ctx, &failingWriter{PostingWriter: tx, failAt: f.failAt})
	})
}

func TestCreateTransactionRollsBackPartialBatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := ledger.NewService(store, failingPostings{Store: store, failAt: 3}, nil, nil)
	mustAccount(t, svc, "A", ledger.DirectionDebit, 0)
	mustAccount(t, svc, "B", ledger.DirectionCredit, 0)

	_, err := svc.CreateTransaction(ctx, ledger.TransactionInput{ID: "t-1", Postings: []ledger.PostingInput{
		{AccountID: "A", Direction: ledger.DirectionDebit, Amount: 60},
		{AccountID: "A", Direction: ledger.DirectionDebit, Amount: 40},
		{AccountID: "B", Direction: ledger.DirectionCredit, Amount: 100},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	postings, err := store.FindByTransactionID(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, postings)
	postings, err = store.FindByAccountID(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestComputeBalanceIsIdempotentAndPure(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	account := mustAccount(t, svc, "A", ledger.DirectionDebit, 250)
	mustAccount(t, svc, "B", ledger.DirectionCredit, 0)
	_, err := svc.CreateTransaction(ctx, transfer("", "A", "B", 1000))
	require.NoError(t, err)
	_, err = svc.CreateTransaction(ctx, transfer("", "B", "A", 2000))
	require.NoError(t, err)

	first, err := svc.ComputeBalance(ctx, account)
	require.NoError(t, err)
	second, err := svc.ComputeBalance(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(-750), first, "balances may go negative")

	reloaded, err := svc.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, account.ClosedBalance, reloaded.ClosedBalance)
	assert.Equal(t, account.Version, reloaded.Version)
}

func TestComputeBalanceCountsPostingsReconciledAfterWatermark(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	mustAccount(t, svc, "A", ledger.DirectionDebit, 1000)
	mustAccount(t, svc, "B", ledger.DirectionCredit, 0)
	tx, err := svc.CreateTransaction(ctx, transfer("", "A", "B", 500))
	require.NoError(t, err)

	// Marked reconciled but the snapshot of A has not been advanced.
	_, err = store.MarkGroupReconciled(ctx, tx.ID, time.Now().UTC())
	require.NoError(t, err)

	balance, err := svc.GetAccountBalance(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)

	open, err := svc.ListPostings(ctx, "A", true)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGetAccountBalanceUnknownAccount(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.GetAccountBalance(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	_, err = svc.GetTransaction(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestServiceRecordsAudit(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	audit := &recordingAudit{}
	svc := ledger.NewService(store, store, audit, nil)
	mustAccount(t, svc, "A", ledger.DirectionDebit, 0)
	mustAccount(t, svc, "B", ledger.DirectionCredit, 0)
	_, err := svc.CreateTransaction(ctx, transfer("t-9", "A", "B", 10))
	require.NoError(t, err)

	require.Len(t, audit.logs, 3)
	assert.Equal(t, "ledger.transaction.create", audit.logs[2].Action)
	assert.Equal(t, "t-9", audit.logs[2].EntityID)
}

func TestGeneratedTransactionIDsSortByCreation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	mustAccount(t, svc, "A", ledger.DirectionDebit, 0)
	mustAccount(t, svc, "B", ledger.DirectionCredit, 0)

	var previous string
	for i := 0; i < 5; i++ {
		tx, err := svc.CreateTransaction(ctx, transfer("", "A", "B", 1))
		require.NoError(t, err)
		assert.Len(t, tx.ID, 26)
		assert.Greater(t, tx.ID, previous)
		previous = tx.ID
	}
}
