package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/memstore"
)

// conflictingAccounts fails the first n compare-and-swap attempts of selected
// accounts with ErrVersionConflict.
type conflictingAccounts struct {
	*memstore.Store
	mu        sync.Mutex
	conflicts map[string]int
	attempts  map[string]int
}

func newConflictingAccounts(store *memstore.Store, conflicts map[string]int) *conflictingAccounts {
	return &conflictingAccounts{Store: store, conflicts: conflicts, attempts: map[string]int{}}
}

func (c *conflictingAccounts) CompareAndSwapClosedBalance(ctx context.Context, id string, newBalance, expectedVersion int64, through time.Time) error {
	c.mu.Lock()
	c.attempts[id]++
	if c.conflicts[id] > 0 {
		c.conflicts[id]--
		c.mu.Unlock()
		return ledger.ErrVersionConflict
	}
	c.mu.Unlock()
	return c.Store.CompareAndSwapClosedBalance(ctx, id, newBalance, expectedVersion, through)
}

func (c *conflictingAccounts) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts = map[string]int{}
}

type fakeSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (f *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slept = append(f.slept, d)
	return ctx.Err()
}

type fixture struct {
	store  *memstore.Store
	svc    *ledger.Service
	engine *Engine
	sleeps *fakeSleeper
}

func newFixture(t *testing.T, accounts ledger.AccountStore, postings ledger.PostingStore, store *memstore.Store, policy RetryPolicy) *fixture {
	t.Helper()
	sleeps := &fakeSleeper{}
	engine := NewEngine(Config{
		Accounts: accounts,
		Postings: postings,
		Policy:   policy,
		Metrics:  jobmetrics.NewMetrics(prometheus.NewRegistry()),
	})
	engine.sleep = sleeps.sleep
	return &fixture{store: store, svc: ledger.NewService(store, store, nil, nil), engine: engine, sleeps: sleeps}
}

func newMemFixture(t *testing.T) *fixture {
	store := memstore.New()
	return newFixture(t, store, store, store, DefaultRetryPolicy())
}

func (f *fixture) account(t *testing.T, id string, dir ledger.Direction, closed int64) {
	t.Helper()
	_, err := f.svc.CreateAccount(context.Background(), ledger.AccountInput{ID: id, Direction: dir, ClosedBalance: closed})
	require.NoError(t, err)
}

func (f *fixture) transfer(t *testing.T, debit, credit string, amount int64) ledger.Transaction {
	t.Helper()
	tx, err := f.svc.CreateTransaction(context.Background(), ledger.TransactionInput{Postings: []ledger.PostingInput{
		{AccountID: debit, Direction: ledger.DirectionDebit, Amount: amount},
		{AccountID: credit, Direction: ledger.DirectionCredit, Amount: amount},
	}})
	require.NoError(t, err)
	return tx
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	balance, err := f.svc.GetAccountBalance(context.Background(), id)
	require.NoError(t, err)
	return balance
}

func (f *fixture) stored(t *testing.T, id string) ledger.Account {
	t.Helper()
	account, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account
}

func TestReconcileAllAdvancesSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	f.account(t, "A", ledger.DirectionDebit, 1000)
	f.account(t, "B", ledger.DirectionCredit, 0)
	first := f.transfer(t, "A", "B", 200)
	second := f.transfer(t, "A", "B", 300)

	summary, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.True(t, summary.IntegrityCheckPassed)
	assert.Equal(t, 2, summary.TransactionsMarked)
	assert.Equal(t, 2, summary.TotalAccountsReconciled)
	assert.Empty(t, summary.FailedAccounts)
	assert.Zero(t, summary.TotalRetries)

	assert.Equal(t, int64(1500), f.balance(t, "A"))
	a := f.stored(t, "A")
	assert.Equal(t, int64(1500), a.ClosedBalance)
	assert.Equal(t, int64(1), a.Version)
	require.NotNil(t, a.ReconciledThrough)
	assert.True(t, summary.RunAt.Equal(*a.ReconciledThrough))
	b := f.stored(t, "B")
	assert.Equal(t, int64(500), b.ClosedBalance)
	assert.Equal(t, int64(1), b.Version)

	for _, id := range []string{first.ID, second.ID} {
		postings, err := f.store.FindByTransactionID(ctx, id)
		require.NoError(t, err)
		for _, p := range postings {
			require.NotNil(t, p.ReconciledAt)
			assert.True(t, summary.RunAt.Equal(*p.ReconciledAt))
		}
	}

	accounts := map[string]AccountSummary{}
	for _, s := range summary.Accounts {
		accounts[s.AccountID] = s
	}
	assert.Equal(t, int64(1000), accounts["A"].PreviousClosedBalance)
	assert.Equal(t, int64(1500), accounts["A"].NewClosedBalance)
}

func TestReconcileAllIsStableWithoutNewPostings(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	f.account(t, "A", ledger.DirectionDebit, 1000)
	f.account(t, "B", ledger.DirectionCredit, 0)
	f.transfer(t, "A", "B", 500)

	_, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	summary, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.TransactionsMarked)

	a := f.stored(t, "A")
	assert.Equal(t, int64(1500), a.ClosedBalance)
	assert.Equal(t, int64(2), a.Version)
	assert.Equal(t, int64(1500), f.balance(t, "A"))
}

func TestReconcileAllEmptyLedger(t *testing.T) {
	f := newMemFixture(t)
	summary, err := f.engine.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.IntegrityCheckPassed)
	assert.Zero(t, summary.TotalAccountsReconciled)
	assert.Zero(t, summary.TransactionsMarked)
	assert.Empty(t, summary.Accounts)
}

func TestReconcileAllAbortsOnIntegrityViolation(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	f.account(t, "A", ledger.DirectionDebit, 0)
	f.account(t, "B", ledger.DirectionCredit, 0)
	valid := f.transfer(t, "A", "B", 100)
	now := time.Now().UTC()
	require.NoError(t, f.store.InsertRaw(
		ledger.Posting{ID: "bad-1", AccountID: "A", TransactionID: "bad", Direction: ledger.DirectionDebit, Amount: 1000, CreatedAt: now},
		ledger.Posting{ID: "bad-2", AccountID: "B", TransactionID: "bad", Direction: ledger.DirectionCredit, Amount: 500, CreatedAt: now},
	))

	_, err := f.engine.ReconcileAll(ctx)
	require.ErrorIs(t, err, ErrIntegrityViolation)
	require.ErrorIs(t, err, ledger.ErrUnbalancedTransaction)
	var violation *IntegrityViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "bad", violation.TransactionID)
	assert.Equal(t, int64(1000), violation.Debits)
	assert.Equal(t, int64(500), violation.Credits)

	for _, id := range []string{valid.ID, "bad"} {
		postings, err := f.store.FindByTransactionID(ctx, id)
		require.NoError(t, err)
		for _, p := range postings {
			assert.Nil(t, p.ReconciledAt)
		}
	}
	assert.Zero(t, f.stored(t, "A").Version)

	_, err = f.engine.ReconcileAll(ctx)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
	assert.NotErrorIs(t, err, ErrReconciliationInProgress)
}

func TestReconcileAllRetriesOnVersionConflict(t *testing.T) {
	store := memstore.New()
	accounts := newConflictingAccounts(store, map[string]int{"A": 1})
	f := newFixture(t, accounts, store, store, DefaultRetryPolicy())
	f.account(t, "A", ledger.DirectionDebit, 1000)
	f.account(t, "B", ledger.DirectionCredit, 0)
	f.transfer(t, "A", "B", 500)

	summary, err := f.engine.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.FailedAccounts)
	assert.Equal(t, 1, summary.TotalRetries)
	for _, s := range summary.Accounts {
		switch s.AccountID {
		case "A":
			assert.Equal(t, 1, s.Retries)
		case "B":
			assert.Zero(t, s.Retries)
		}
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, f.sleeps.slept)
	assert.Equal(t, 2, accounts.attempts["A"])

	a := f.stored(t, "A")
	assert.Equal(t, int64(1500), a.ClosedBalance)
	assert.Equal(t, int64(1), a.Version)
}

func TestReconcileAllIsolatesExhaustedAccount(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	accounts := newConflictingAccounts(store, map[string]int{"A": 100})
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	f := newFixture(t, accounts, store, store, policy)
	f.account(t, "A", ledger.DirectionDebit, 1000)
	f.account(t, "B", ledger.DirectionCredit, 0)
	f.transfer(t, "A", "B", 500)

	summary, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, summary.FailedAccounts)
	assert.Equal(t, 1, summary.TotalAccountsReconciled)
	assert.Equal(t, 2, summary.TotalRetries)
	assert.Equal(t, 3, accounts.attempts["A"])
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeps.slept)

	a := f.stored(t, "A")
	assert.Equal(t, int64(1000), a.ClosedBalance)
	assert.Zero(t, a.Version)
	assert.Equal(t, int64(1500), f.balance(t, "A"), "marked postings stay counted until the snapshot catches up")
	assert.Equal(t, int64(500), f.stored(t, "B").ClosedBalance)

	accounts.clear()
	summary, err = f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary.FailedAccounts)
	a = f.stored(t, "A")
	assert.Equal(t, int64(1500), a.ClosedBalance)
	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, int64(1500), f.balance(t, "A"))
}

// blockingPostings parks the first AllTransactionIDs call until released.
type blockingPostings struct {
	*memstore.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPostings) AllTransactionIDs(ctx context.Context) ([]string, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.Store.AllTransactionIDs(ctx)
}

func TestReconcileAllRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	postings := &blockingPostings{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, store, postings, store, DefaultRetryPolicy())

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.ReconcileAll(ctx)
		done <- err
	}()
	<-postings.entered

	_, err := f.engine.ReconcileAll(ctx)
	require.ErrorIs(t, err, ErrReconciliationInProgress)

	close(postings.release)
	require.NoError(t, <-done)

	_, err = f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
}

type erroringLock struct{}

func (erroringLock) TryLock(ctx context.Context) (bool, error) { return false, errors.New("redis down") }
func (erroringLock) Unlock(ctx context.Context) error          { return nil }

func TestReconcileAllLockError(t *testing.T) {
	store := memstore.New()
	engine := NewEngine(Config{Accounts: store, Postings: store, Lock: erroringLock{}})
	_, err := engine.ReconcileAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.NotErrorIs(t, err, ErrReconciliationInProgress)
}

func TestReconcileAllPreservesBalances(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	ids := []string{"cash", "bank", "revenue", "payable", "equity"}
	f.account(t, "cash", ledger.DirectionDebit, 10_000)
	f.account(t, "bank", ledger.DirectionDebit, -2_500)
	f.account(t, "revenue", ledger.DirectionCredit, 0)
	f.account(t, "payable", ledger.DirectionCredit, 750)
	f.account(t, "equity", ledger.DirectionCredit, 7_500)

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 3; round++ {
		for i := 0; i < 25; i++ {
			debit := ids[rng.Intn(len(ids))]
			credit := ids[rng.Intn(len(ids))]
			f.transfer(t, debit, credit, int64(rng.Intn(5_000)+1))
		}
		before := map[string]int64{}
		for _, id := range ids {
			before[id] = f.balance(t, id)
		}
		summary, err := f.engine.ReconcileAll(ctx)
		require.NoError(t, err)
		require.Empty(t, summary.FailedAccounts)
		for _, id := range ids {
			assert.Equal(t, before[id], f.balance(t, id), id)
			assert.Equal(t, before[id], f.stored(t, id).ClosedBalance, id)
			open, err := f.store.FindUnreconciledByAccountID(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, open, id)
		}
	}
}

func TestCheckIntegrityReportsEveryViolation(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	now := time.Now().UTC()
	require.NoError(t, f.store.InsertRaw(
		ledger.Posting{ID: "1", AccountID: "A", TransactionID: "t1", Direction: ledger.DirectionDebit, Amount: 10, CreatedAt: now},
		ledger.Posting{ID: "2", AccountID: "A", TransactionID: "t2", Direction: ledger.DirectionCredit, Amount: 7, CreatedAt: now},
		ledger.Posting{ID: "3", AccountID: "B", TransactionID: "t3", Direction: ledger.DirectionDebit, Amount: 5, CreatedAt: now},
		ledger.Posting{ID: "4", AccountID: "C", TransactionID: "t3", Direction: ledger.DirectionCredit, Amount: 5, CreatedAt: now},
	))

	report, err := f.engine.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Groups)
	assert.False(t, report.Passed())
	require.Len(t, report.Violations, 2)
	assert.Equal(t, "t1", report.Violations[0].TransactionID)
	assert.Equal(t, int64(10), report.Violations[0].Debits)
	assert.Equal(t, "t2", report.Violations[1].TransactionID)
	assert.Equal(t, int64(7), report.Violations[1].Credits)
}

func TestReconcileAllKeepsStampsMonotonicWhenClockGoesBack(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	ahead := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)
	behind := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)
	f.engine.WithNow(func() time.Time { return ahead })
	f.account(t, "A", ledger.DirectionDebit, 0)
	f.account(t, "B", ledger.DirectionCredit, 0)
	f.transfer(t, "A", "B", 100)

	first, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.True(t, ahead.Equal(first.RunAt))

	late := f.transfer(t, "A", "B", 50)
	require.Equal(t, int64(150), f.balance(t, "A"))

	other := NewEngine(Config{
		Accounts: f.store,
		Postings: f.store,
		Metrics:  jobmetrics.NewMetrics(prometheus.NewRegistry()),
	})
	other.WithNow(func() time.Time { return behind })
	second, err := other.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.True(t, second.RunAt.After(first.RunAt))
	assert.Equal(t, 1, second.TransactionsMarked)

	postings, err := f.store.FindByTransactionID(ctx, late.ID)
	require.NoError(t, err)
	for _, p := range postings {
		require.NotNil(t, p.ReconciledAt)
		assert.True(t, p.ReconciledAt.After(first.RunAt))
	}

	assert.Equal(t, int64(150), f.balance(t, "A"))
	assert.Equal(t, int64(150), f.balance(t, "B"))
	a := f.stored(t, "A")
	assert.Equal(t, int64(150), a.ClosedBalance)
	require.NotNil(t, a.ReconciledThrough)
	assert.True(t, second.RunAt.Equal(*a.ReconciledThrough))

	third, err := other.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.True(t, third.RunAt.After(second.RunAt))
	assert.Equal(t, int64(150), f.balance(t, "A"))
}
