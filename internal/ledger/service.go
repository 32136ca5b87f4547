package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates account creation, posting and balance reads.
type Service struct {
	accounts AccountStore
	postings PostingStore
	audit    AuditPort
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	newTxID  func() string
	reads    singleflight.Group
}

// NewService constructs the ledger service.
func NewService(accounts AccountStore, postings PostingStore, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts: accounts,
		postings: postings,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		newTxID:  newIDSource().next,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateAccount registers a new account with an optional opening snapshot.
func (s *Service) CreateAccount(ctx context.Context, input AccountInput) (Account, error) {
	if err := input.Validate(); err != nil {
		return Account{}, err
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = s.newID()
	}
	now := s.now().UTC()
	account := Account{
		ID:            id,
		Name:          strings.TrimSpace(input.Name),
		Direction:     input.Direction,
		ClosedBalance: input.ClosedBalance,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.accounts.PutAccount(ctx, account); err != nil {
		return Account{}, err
	}
	s.record(ctx, shared.AuditLog{
		Action:   "ledger.account.create",
		Entity:   "account",
		EntityID: account.ID,
		Meta: map[string]any{
			"direction":      string(account.Direction),
			"closed_balance": account.ClosedBalance,
		},
		At: now,
	})
	return account, nil
}

// GetAccount loads a single account.
func (s *Service) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.accounts.GetAccount(ctx, id)
}

// ListAccounts returns every account.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.accounts.ListAccounts(ctx)
}

// ListPostings returns the postings of an account, optionally only the open ones.
func (s *Service) ListPostings(ctx context.Context, accountID string, openOnly bool) ([]Posting, error) {
	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if openOnly {
		return s.postings.FindUnreconciledByAccountID(ctx, accountID)
	}
	return s.postings.FindByAccountID(ctx, accountID)
}

// CreateTransaction validates and persists one balanced transaction group.
// Nothing is written unless the group balances and every account exists.
func (s *Service) CreateTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if err := input.Validate(); err != nil {
		return Transaction{}, err
	}
	txID := strings.TrimSpace(input.ID)
	if _, err := CheckBalance(txID, input.Postings); err != nil {
		return Transaction{}, err
	}
	if txID == "" {
		txID = s.newTxID()
	} else {
		existing, err := s.postings.FindByTransactionID(ctx, txID)
		if err != nil {
			return Transaction{}, err
		}
		if len(existing) > 0 {
			return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateTransaction, txID)
		}
	}
	seen := make(map[string]struct{}, len(input.Postings))
	for _, p := range input.Postings {
		if _, ok := seen[p.AccountID]; ok {
			continue
		}
		seen[p.AccountID] = struct{}{}
		if _, err := s.accounts.GetAccount(ctx, p.AccountID); err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return Transaction{}, fmt.Errorf("%w: %s", ErrAccountNotFound, p.AccountID)
			}
			return Transaction{}, err
		}
	}

	createdAt := s.now().UTC()
	name := strings.TrimSpace(input.Name)
	postings := make([]Posting, 0, len(input.Postings))
	for _, p := range input.Postings {
		postings = append(postings, Posting{
			ID:              s.newID(),
			AccountID:       p.AccountID,
			Amount:          p.Amount,
			Direction:       p.Direction,
			TransactionID:   txID,
			TransactionName: name,
			CreatedAt:       createdAt,
		})
	}

	err := s.postings.WithTx(ctx, func(ctx context.Context, tx PostingWriter) error {
		exists, err := tx.TransactionExists(ctx, txID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, txID)
		}
		for _, p := range postings {
			if err := tx.Put(ctx, p); err != nil {
				return fmt.Errorf("ledger: write posting %s: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}

	s.record(ctx, shared.AuditLog{
		Action:   "ledger.transaction.create",
		Entity:   "transaction",
		EntityID: txID,
		Meta: map[string]any{
			"name":     name,
			"postings": len(postings),
		},
		At: createdAt,
	})
	return groupTransaction(postings), nil
}

// GetTransaction returns the group stored under id.
func (s *Service) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	postings, err := s.postings.FindByTransactionID(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if len(postings) == 0 {
		return Transaction{}, ErrTransactionNotFound
	}
	sort.SliceStable(postings, func(i, j int) bool { return postings[i].ID < postings[j].ID })
	return groupTransaction(postings), nil
}

// ComputeBalance folds every posting not yet reflected in the account snapshot
// over ClosedBalance. It never mutates state.
func (s *Service) ComputeBalance(ctx context.Context, account Account) (int64, error) {
	postings, err := s.postings.FindUnsettledByAccountID(ctx, account.ID, account.ReconciledThrough)
	if err != nil {
		return 0, fmt.Errorf("ledger: load postings for %s: %w", account.ID, err)
	}
	return Fold(account.ClosedBalance, account.Direction, postings), nil
}

// GetAccountBalance returns the current balance of an account. Concurrent
// reads of the same account share one computation.
func (s *Service) GetAccountBalance(ctx context.Context, accountID string) (int64, error) {
	v, err, _ := s.reads.Do(accountID, func() (any, error) {
		account, err := s.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return int64(0), err
		}
		return s.ComputeBalance(ctx, account)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}
