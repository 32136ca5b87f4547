// Package memstore keeps accounts and postings in process memory. It backs
// tests and single-node deployments that do not need durability.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// Store implements ledger.AccountStore and ledger.PostingStore.
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]ledger.Account
	postings  map[string]ledger.Posting
	byTx      map[string][]string
	byAccount map[string][]string
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]ledger.Account),
		postings:  make(map[string]ledger.Posting),
		byTx:      make(map[string][]string),
		byAccount: make(map[string][]string),
	}
}

// GetAccount returns a copy of the stored account.
func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

// PutAccount inserts a new account.
func (s *Store) PutAccount(ctx context.Context, account ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateAccount, account.ID)
	}
	s.accounts[account.ID] = cloneAccount(account)
	return nil
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, cloneAccount(account))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CompareAndSwapClosedBalance updates the snapshot when the version matches.
func (s *Store) CompareAndSwapClosedBalance(ctx context.Context, id string, newBalance, expectedVersion int64, through time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if account.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	at := through
	account.ClosedBalance = newBalance
	account.Version = expectedVersion + 1
	account.ReconciledThrough = &at
	account.UpdatedAt = time.Now().UTC()
	s.accounts[id] = account
	return nil
}

type txWriter struct {
	store   *Store
	written []string
}

func (w *txWriter) Put(ctx context.Context, posting ledger.Posting) error {
	if err := w.store.putLocked(posting); err != nil {
		return err
	}
	w.written = append(w.written, posting.ID)
	return nil
}

func (w *txWriter) Delete(ctx context.Context, id string) error {
	w.store.deleteLocked(id)
	return nil
}

func (w *txWriter) TransactionExists(ctx context.Context, transactionID string) (bool, error) {
	return len(w.store.byTx[transactionID]) > 0, nil
}

// WithTx holds the write lock for the whole batch so readers never observe a
// partial group. Postings written by a failing fn are deleted before returning.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.PostingWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &txWriter{store: s}
	if err := fn(ctx, tx); err != nil {
		for i := len(tx.written) - 1; i >= 0; i-- {
			_ = tx.Delete(ctx, tx.written[i])
		}
		return err
	}
	return nil
}

func (s *Store) putLocked(posting ledger.Posting) error {
	if _, ok := s.postings[posting.ID]; ok {
		return fmt.Errorf("memstore: posting %s already exists", posting.ID)
	}
	s.postings[posting.ID] = clonePosting(posting)
	s.byTx[posting.TransactionID] = append(s.byTx[posting.TransactionID], posting.ID)
	s.byAccount[posting.AccountID] = append(s.byAccount[posting.AccountID], posting.ID)
	return nil
}

func (s *Store) deleteLocked(id string) {
	posting, ok := s.postings[id]
	if !ok {
		return
	}
	delete(s.postings, id)
	s.byTx[posting.TransactionID] = without(s.byTx[posting.TransactionID], id)
	if len(s.byTx[posting.TransactionID]) == 0 {
		delete(s.byTx, posting.TransactionID)
	}
	s.byAccount[posting.AccountID] = without(s.byAccount[posting.AccountID], id)
	if len(s.byAccount[posting.AccountID]) == 0 {
		delete(s.byAccount, posting.AccountID)
	}
}

// InsertRaw stores postings without any validation. It exists so callers can
// seed data that bypasses the ledger service, e.g. imported history.
func (s *Store) InsertRaw(postings ...ledger.Posting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range postings {
		if err := s.putLocked(p); err != nil {
			return err
		}
	}
	return nil
}

// FindByTransactionID returns the postings of one group.
func (s *Store) FindByTransactionID(ctx context.Context, transactionID string) ([]ledger.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byTx[transactionID], func(ledger.Posting) bool { return true }), nil
}

// FindByAccountID returns every posting of an account.
func (s *Store) FindByAccountID(ctx context.Context, accountID string) ([]ledger.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAccount[accountID], func(ledger.Posting) bool { return true }), nil
}

// FindUnreconciledByAccountID returns the open postings of an account.
func (s *Store) FindUnreconciledByAccountID(ctx context.Context, accountID string) ([]ledger.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAccount[accountID], ledger.Posting.Open), nil
}

// FindReconciledSince returns postings reconciled after since.
func (s *Store) FindReconciledSince(ctx context.Context, accountID string, since *time.Time) ([]ledger.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAccount[accountID], func(p ledger.Posting) bool {
		return reconciledAfter(p, since)
	}), nil
}

// FindUnsettledByAccountID returns open postings plus those reconciled after since.
func (s *Store) FindUnsettledByAccountID(ctx context.Context, accountID string, since *time.Time) ([]ledger.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAccount[accountID], func(p ledger.Posting) bool {
		return p.Open() || reconciledAfter(p, since)
	}), nil
}

// AllTransactionIDs lists every group id, reconciled or not.
func (s *Store) AllTransactionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byTx))
	for id := range s.byTx {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// UnreconciledTransactionIDs lists groups with at least one open posting.
func (s *Store) UnreconciledTransactionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, postingIDs := range s.byTx {
		for _, pid := range postingIDs {
			if s.postings[pid].Open() {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// AccountIDs lists every account that has ever received a posting.
func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byAccount))
	for id := range s.byAccount {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// LastReconciledAt returns the newest posting stamp or account watermark.
func (s *Store) LastReconciledAt(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	later := func(at *time.Time) {
		if at != nil && (latest == nil || at.After(*latest)) {
			stamp := *at
			latest = &stamp
		}
	}
	for _, posting := range s.postings {
		later(posting.ReconciledAt)
	}
	for _, account := range s.accounts {
		later(account.ReconciledThrough)
	}
	return latest, nil
}

// MarkGroupReconciled flips every open posting of the group under one lock.
func (s *Store) MarkGroupReconciled(ctx context.Context, transactionID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := 0
	for _, pid := range s.byTx[transactionID] {
		posting := s.postings[pid]
		if !posting.Open() {
			continue
		}
		stamp := at
		posting.ReconciledAt = &stamp
		s.postings[pid] = posting
		marked++
	}
	return marked, nil
}

func (s *Store) collect(ids []string, keep func(ledger.Posting) bool) []ledger.Posting {
	out := make([]ledger.Posting, 0, len(ids))
	for _, id := range ids {
		posting, ok := s.postings[id]
		if !ok || !keep(posting) {
			continue
		}
		out = append(out, clonePosting(posting))
	}
	return out
}

func reconciledAfter(p ledger.Posting, since *time.Time) bool {
	if p.ReconciledAt == nil {
		return false
	}
	return since == nil || p.ReconciledAt.After(*since)
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}

func cloneAccount(a ledger.Account) ledger.Account {
	if a.ReconciledThrough != nil {
		at := *a.ReconciledThrough
		a.ReconciledThrough = &at
	}
	return a
}

func clonePosting(p ledger.Posting) ledger.Posting {
	if p.ReconciledAt != nil {
		at := *p.ReconciledAt
		p.ReconciledAt = &at
	}
	return p
}
