package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
)

// IntegrityChecker scans every transaction group for balance.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) (reconcile.IntegrityReport, error)
}

// IntegrityJob runs the read-only integrity scan on a schedule so violations
// surface between reconciliation runs.
type IntegrityJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIntegrityJob initialises the integrity scan handler.
func NewIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{Checker: checker, Logger: logger, Metrics: metrics}
}

// Handle executes the scan. Violations are logged and counted; the task itself
// succeeds because retrying cannot repair stored postings.
func (j *IntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Checker == nil {
		return errors.New("integrity job: handler not configured")
	}
	payload, err := decodeLedgerPayload(t)
	if err != nil {
		return fmt.Errorf("integrity job: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskIntegrityScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("trigger", payload.Trigger))
	report, err := j.Checker.CheckIntegrity(ctx)
	if err != nil {
		resultErr = err
		logger.Error("integrity scan failed", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddViolations(len(report.Violations))
	for _, v := range report.Violations {
		logger.Error("unbalanced transaction group",
			slog.String("transaction_id", v.TransactionID),
			slog.Int64("debits", v.Debits),
			slog.Int64("credits", v.Credits),
		)
	}
	logger.Info("integrity scan completed",
		slog.Int("groups", report.Groups),
		slog.Int("violations", len(report.Violations)),
	)
	return nil
}

func (j *IntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIntegrityScan))
	}
	return slog.Default().With(slog.String("job", TaskIntegrityScan))
}

func (j *IntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}
