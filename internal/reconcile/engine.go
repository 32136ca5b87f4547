// Package reconcile folds open transaction groups into account snapshots.
//
// A run takes the system-wide lock, re-checks every transaction group for
// balance, stamps every open group with one run timestamp and then advances
// each account's closed balance with a compare-and-swap retried on version
// conflicts. Accounts keep a reconciled-through watermark next to their
// snapshot, so postings stamped by a run whose snapshot update failed for an
// account are still counted by ledger.Service.ComputeBalance and are folded by
// the next successful run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const jobName = "ledger:reconcile"

// AuditPort records reconciliation runs.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AccountSummary describes one advanced account snapshot.
type AccountSummary struct {
	AccountID             string
	PreviousClosedBalance int64
	NewClosedBalance      int64
	Retries               int
}

// Summary is the result of one reconciliation run.
type Summary struct {
	RunAt                   time.Time
	TotalAccountsReconciled int
	TransactionsMarked      int
	IntegrityCheckPassed    bool
	Accounts                []AccountSummary
	TotalRetries            int
	FailedAccounts          []string
}

// Config collects dependencies required to build an Engine.
type Config struct {
	Accounts    ledger.AccountStore
	Postings    ledger.PostingStore
	Lock        Locker
	Policy      RetryPolicy
	Concurrency int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Audit       AuditPort
}

// Engine runs reconciliations.
type Engine struct {
	accounts    ledger.AccountStore
	postings    ledger.PostingStore
	lock        Locker
	policy      RetryPolicy
	concurrency int
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	audit       AuditPort
	now         func() time.Time
	sleep       sleepFunc
}

// NewEngine constructs an Engine. A nil Lock defaults to an in-process LocalLock
// and a zero Policy to DefaultRetryPolicy.
func NewEngine(cfg Config) *Engine {
	policy := cfg.Policy
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	lock := cfg.Lock
	if lock == nil {
		lock = &LocalLock{}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		accounts:    cfg.Accounts,
		postings:    cfg.Postings,
		lock:        lock,
		policy:      policy.normalised(),
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "reconcile")),
		metrics:     cfg.Metrics,
		audit:       cfg.Audit,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// WithNow overrides the clock for testing.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// ReconcileAll performs one reconciliation run. It fails fast with
// ErrReconciliationInProgress when another run holds the lock and with
// ErrIntegrityViolation, before mutating anything, when a group is unbalanced.
// Per-account failures are logged and reported in Summary.FailedAccounts.
func (e *Engine) ReconcileAll(ctx context.Context) (summary Summary, err error) {
	locked, err := e.lock.TryLock(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("reconcile: acquire lock: %w", err)
	}
	if !locked {
		return Summary{}, ErrReconciliationInProgress
	}
	defer func() {
		if unlockErr := e.lock.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
			e.logger.Error("release lock", slog.Any("error", unlockErr))
		}
	}()

	tracker := e.metrics.Track(jobName)
	defer func() {
		err = tracker.End(err)
	}()

	report, err := e.CheckIntegrity(ctx)
	if err != nil {
		return Summary{}, err
	}
	if len(report.Violations) > 0 {
		e.metrics.AddViolations(len(report.Violations))
		v := report.Violations[0]
		e.logger.Error("integrity check failed",
			slog.String("transaction_id", v.TransactionID),
			slog.Int64("debits", v.Debits),
			slog.Int64("credits", v.Credits),
			slog.Int("violations", len(report.Violations)))
		return Summary{}, v.asError()
	}

	runAt, err := e.nextRunAt(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary = Summary{RunAt: runAt, IntegrityCheckPassed: true}

	openGroups, err := e.postings.UnreconciledTransactionIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("reconcile: list open groups: %w", err)
	}
	for _, txID := range openGroups {
		marked, err := e.postings.MarkGroupReconciled(ctx, txID, runAt)
		if err != nil {
			return Summary{}, fmt.Errorf("reconcile: mark %s: %w", txID, err)
		}
		if marked > 0 {
			summary.TransactionsMarked++
		}
	}

	accountIDs, err := e.postings.AccountIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("reconcile: list accounts: %w", err)
	}
	e.updateSnapshots(ctx, accountIDs, runAt, &summary)

	e.metrics.ObserveReconciliation(summary.TotalAccountsReconciled, len(summary.FailedAccounts), summary.TotalRetries)
	e.logger.Info("reconciliation finished",
		slog.Time("run_at", runAt),
		slog.Int("transactions_marked", summary.TransactionsMarked),
		slog.Int("accounts_reconciled", summary.TotalAccountsReconciled),
		slog.Int("accounts_failed", len(summary.FailedAccounts)),
		slog.Int("total_retries", summary.TotalRetries))
	e.record(ctx, summary)
	return summary, nil
}

// stampResolution matches the timestamp precision of PostgreSQL.
const stampResolution = time.Microsecond

// nextRunAt returns the stamp of this run: the current time, or just past the
// latest stamp already written when the clock is behind it. Stamps must
// increase across runs and hosts.
func (e *Engine) nextRunAt(ctx context.Context) (time.Time, error) {
	runAt := e.now().UTC().Truncate(stampResolution)
	latest, err := e.postings.LastReconciledAt(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("reconcile: latest stamp: %w", err)
	}
	if latest != nil && !runAt.After(*latest) {
		skewed := runAt
		runAt = latest.UTC().Truncate(stampResolution).Add(stampResolution)
		e.logger.Warn("clock behind last reconciliation",
			slog.Time("now", skewed),
			slog.Time("run_at", runAt))
	}
	return runAt, nil
}

type accountResult struct {
	summary AccountSummary
	err     error
}

// updateSnapshots runs every account's retry loop independently so a
// contended account never delays the others.
func (e *Engine) updateSnapshots(ctx context.Context, accountIDs []string, runAt time.Time, summary *Summary) {
	results := make([]accountResult, len(accountIDs))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, id := range accountIDs {
		g.Go(func() error {
			res, err := e.updateAccount(ctx, id, runAt)
			results[i] = accountResult{summary: res, err: err}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("snapshot updates incomplete", slog.Any("first_error", err))
	}

	summary.Accounts = make([]AccountSummary, 0, len(accountIDs))
	for i, res := range results {
		summary.TotalRetries += res.summary.Retries
		if res.err != nil {
			summary.FailedAccounts = append(summary.FailedAccounts, accountIDs[i])
			e.logger.Error("account snapshot update failed",
				slog.String("account_id", accountIDs[i]),
				slog.Int("retries", res.summary.Retries),
				slog.Any("error", res.err))
			continue
		}
		summary.Accounts = append(summary.Accounts, res.summary)
	}
	summary.TotalAccountsReconciled = len(summary.Accounts)
}

// updateAccount advances one snapshot: read, fold the postings reconciled
// since the account's watermark, compare-and-swap, retry on conflict.
func (e *Engine) updateAccount(ctx context.Context, accountID string, runAt time.Time) (AccountSummary, error) {
	result := AccountSummary{AccountID: accountID}
	retries, err := retryOnConflict(ctx, e.policy, e.sleep, func(ctx context.Context) error {
		account, err := e.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		reconciled, err := e.postings.FindReconciledSince(ctx, accountID, account.ReconciledThrough)
		if err != nil {
			return err
		}
		newBalance, through := ledger.Snapshot(account, reconciled, runAt)
		if err := e.accounts.CompareAndSwapClosedBalance(ctx, accountID, newBalance, account.Version, through); err != nil {
			return err
		}
		result.PreviousClosedBalance = account.ClosedBalance
		result.NewClosedBalance = newBalance
		return nil
	})
	result.Retries = retries
	return result, err
}

func (e *Engine) record(ctx context.Context, summary Summary) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		Actor:    "system",
		Action:   "ledger.reconcile",
		Entity:   "reconciliation",
		EntityID: summary.RunAt.Format(time.RFC3339Nano),
		Meta: map[string]any{
			"transactions_marked": summary.TransactionsMarked,
			"accounts_reconciled": summary.TotalAccountsReconciled,
			"accounts_failed":     summary.FailedAccounts,
			"total_retries":       summary.TotalRetries,
		},
		At: summary.RunAt,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("audit record", slog.Any("error", err))
	}
}
