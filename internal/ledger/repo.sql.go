package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists accounts and postings in PostgreSQL. It implements
// both AccountStore and PostingStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const accountColumns = `id, name, direction, closed_balance, version, reconciled_through, created_at, updated_at`

const postingColumns = `id, account_id, amount, direction, transaction_id, transaction_name, created_at, reconciled_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Direction, &a.ClosedBalance, &a.Version, &a.ReconciledThrough, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func collectPostings(rows pgx.Rows) ([]Posting, error) {
	defer rows.Close()
	var postings []Posting
	for rows.Next() {
		var p Posting
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Amount, &p.Direction, &p.TransactionID, &p.TransactionName, &p.CreatedAt, &p.ReconciledAt); err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetAccount loads one account.
func (r *Repository) GetAccount(ctx context.Context, id string) (Account, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return account, nil
}

// PutAccount inserts a new account.
func (r *Repository) PutAccount(ctx context.Context, a Account) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO ledger_accounts (id, name, direction, closed_balance, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, a.ID, a.Name, a.Direction, a.ClosedBalance, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, a.ID)
		}
		return err
	}
	return nil
}

// ListAccounts returns all accounts ordered by id.
func (r *Repository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM ledger_accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CompareAndSwapClosedBalance advances the snapshot guarded by the version column.
func (r *Repository) CompareAndSwapClosedBalance(ctx context.Context, id string, newBalance, expectedVersion int64, through time.Time) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE ledger_accounts
SET closed_balance=$2, version=version+1, reconciled_through=$4, updated_at=NOW()
WHERE id=$1 AND version=$3`, id, newBalance, expectedVersion, through)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_accounts WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrVersionConflict
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, PostingWriter) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) Put(ctx context.Context, p Posting) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_postings (`+postingColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, p.ID, p.AccountID, p.Amount, p.Direction, p.TransactionID, p.TransactionName, p.CreatedAt, p.ReconciledAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, p.AccountID)
		}
		return err
	}
	return nil
}

func (r *txRepository) Delete(ctx context.Context, id string) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM ledger_postings WHERE id=$1`, id)
	return err
}

// TransactionExists serialises writers of the same transaction id with an
// advisory lock held until commit.
func (r *txRepository) TransactionExists(ctx context.Context, transactionID string) (bool, error) {
	if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, transactionID); err != nil {
		return false, err
	}
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_postings WHERE transaction_id=$1)`, transactionID).Scan(&exists)
	return exists, err
}

// FindByTransactionID returns the postings of one group.
func (r *Repository) FindByTransactionID(ctx context.Context, transactionID string) ([]Posting, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+postingColumns+` FROM ledger_postings WHERE transaction_id=$1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, err
	}
	return collectPostings(rows)
}

// FindByAccountID returns every posting of an account.
func (r *Repository) FindByAccountID(ctx context.Context, accountID string) ([]Posting, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+postingColumns+` FROM ledger_postings WHERE account_id=$1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	return collectPostings(rows)
}

// FindUnreconciledByAccountID returns the open postings of an account.
func (r *Repository) FindUnreconciledByAccountID(ctx context.Context, accountID string) ([]Posting, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+postingColumns+` FROM ledger_postings WHERE account_id=$1 AND reconciled_at IS NULL ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	return collectPostings(rows)
}

// FindReconciledSince returns postings reconciled after since; nil means all.
func (r *Repository) FindReconciledSince(ctx context.Context, accountID string, since *time.Time) ([]Posting, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+postingColumns+` FROM ledger_postings
WHERE account_id=$1 AND reconciled_at IS NOT NULL AND ($2::timestamptz IS NULL OR reconciled_at > $2)
ORDER BY created_at, id`, accountID, since)
	if err != nil {
		return nil, err
	}
	return collectPostings(rows)
}

// FindUnsettledByAccountID returns open postings plus those reconciled after since.
func (r *Repository) FindUnsettledByAccountID(ctx context.Context, accountID string, since *time.Time) ([]Posting, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+postingColumns+` FROM ledger_postings
WHERE account_id=$1 AND (reconciled_at IS NULL OR $2::timestamptz IS NULL OR reconciled_at > $2)
ORDER BY created_at, id`, accountID, since)
	if err != nil {
		return nil, err
	}
	return collectPostings(rows)
}

// AllTransactionIDs lists every group id.
func (r *Repository) AllTransactionIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT transaction_id FROM ledger_postings ORDER BY transaction_id`)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// UnreconciledTransactionIDs lists groups with at least one open posting.
func (r *Repository) UnreconciledTransactionIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT transaction_id FROM ledger_postings WHERE reconciled_at IS NULL ORDER BY transaction_id`)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// AccountIDs lists every account that has ever received a posting.
func (r *Repository) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT account_id FROM ledger_postings ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// LastReconciledAt returns the newest posting stamp or account watermark.
func (r *Repository) LastReconciledAt(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	err := r.pool.QueryRow(ctx, `SELECT GREATEST(
	(SELECT MAX(reconciled_at) FROM ledger_postings),
	(SELECT MAX(reconciled_through) FROM ledger_accounts))`).Scan(&latest)
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// MarkGroupReconciled flips every open posting of the group in one statement.
func (r *Repository) MarkGroupReconciled(ctx context.Context, transactionID string, at time.Time) (int, error) {
	cmd, err := r.pool.Exec(ctx, `UPDATE ledger_postings SET reconciled_at=$2 WHERE transaction_id=$1 AND reconciled_at IS NULL`, transactionID, at)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}
