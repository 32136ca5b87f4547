package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (reconcile.Summary, error)
}

// ReconcileJob drives the reconciliation engine from the queue. Duration and
// outcome metrics are recorded by the engine itself.
type ReconcileJob struct {
	Engine Reconciler
	Logger *slog.Logger
}

// NewReconcileJob initialises the reconcile handler.
func NewReconcileJob(engine Reconciler, logger *slog.Logger) *ReconcileJob {
	return &ReconcileJob{Engine: engine, Logger: logger}
}

// Handle executes one run. A run already holding the lock is not an error for
// the queue, and an integrity violation is not retried.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("reconcile job: handler not configured")
	}
	payload, err := decodeLedgerPayload(t)
	if err != nil {
		return fmt.Errorf("reconcile job: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := j.logger().With(slog.String("trigger", payload.Trigger))
	logger.Info("starting reconciliation")

	summary, err := j.Engine.ReconcileAll(ctx)
	switch {
	case errors.Is(err, reconcile.ErrReconciliationInProgress):
		logger.Info("reconciliation skipped, another run holds the lock")
		return nil
	case errors.Is(err, reconcile.ErrIntegrityViolation):
		logger.Error("reconciliation aborted", slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	case err != nil:
		logger.Error("reconciliation failed", slog.Any("error", err))
		return err
	}

	attrs := []any{
		slog.Int("transactions_marked", summary.TransactionsMarked),
		slog.Int("accounts_reconciled", summary.TotalAccountsReconciled),
		slog.Int("total_retries", summary.TotalRetries),
	}
	if len(summary.FailedAccounts) > 0 {
		logger.Warn("reconciliation completed with failed accounts",
			append(attrs, slog.Any("failed_accounts", summary.FailedAccounts))...)
		return nil
	}
	logger.Info("reconciliation completed", attrs...)
	return nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconcileAll))
	}
	return slog.Default().With(slog.String("job", TaskReconcileAll))
}
