package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
)

// Exit codes shared by the ledger commands.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitFindings = 10
	ExitBusy     = 11
)

// Engine is the part of the reconciliation engine the ops commands drive.
type Engine interface {
	ReconcileAll(ctx context.Context) (reconcile.Summary, error)
	CheckIntegrity(ctx context.Context) (reconcile.IntegrityReport, error)
}

// LedgerOpsCLI runs ledger maintenance directly against the configured store.
type LedgerOpsCLI struct {
	engine Engine
}

// NewLedgerOpsCLI constructs the helper.
func NewLedgerOpsCLI(engine Engine) (*LedgerOpsCLI, error) {
	if engine == nil {
		return nil, errors.New("ledger cli: engine required")
	}
	return &LedgerOpsCLI{engine: engine}, nil
}

// CommandOptions are the flags shared by the ledger commands.
type CommandOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o CommandOptions) withDefaults() CommandOptions {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// IntegritySummary is the JSON output of the integrity command.
type IntegritySummary struct {
	OK         bool                 `json:"ok"`
	CheckedAt  time.Time            `json:"checked_at"`
	Groups     int                  `json:"groups"`
	Violations []IntegrityViolation `json:"violations"`
}

// IntegrityViolation is one unbalanced group in IntegritySummary.
type IntegrityViolation struct {
	TransactionID string `json:"transaction_id"`
	Debits        int64  `json:"debits"`
	Credits       int64  `json:"credits"`
}

// IntegrityCommand scans every group and exits with ExitFindings when any is unbalanced.
func (c *LedgerOpsCLI) IntegrityCommand(ctx context.Context, opts CommandOptions) int {
	opts = opts.withDefaults()
	report, err := c.engine.CheckIntegrity(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return ExitError
	}
	summary := IntegritySummary{
		OK:         report.Passed(),
		CheckedAt:  report.CheckedAt,
		Groups:     report.Groups,
		Violations: make([]IntegrityViolation, 0, len(report.Violations)),
	}
	for _, v := range report.Violations {
		summary.Violations = append(summary.Violations, IntegrityViolation{TransactionID: v.TransactionID, Debits: v.Debits, Credits: v.Credits})
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "integrity: encode json: %v\n", err)
			return ExitError
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "Checked %d transaction group(s).\n", summary.Groups)
		if summary.OK {
			_, _ = fmt.Fprintln(opts.Stdout, "Every group balances.")
		}
		for _, v := range summary.Violations {
			_, _ = fmt.Fprintf(opts.Stdout, "  %s debits=%d credits=%d\n", v.TransactionID, v.Debits, v.Credits)
		}
	}
	if !summary.OK {
		return ExitFindings
	}
	return ExitOK
}

// ReconcileSummary is the JSON output of the reconcile command.
type ReconcileSummary struct {
	RunAt              time.Time `json:"run_at"`
	TransactionsMarked int       `json:"transactions_marked"`
	AccountsReconciled int       `json:"accounts_reconciled"`
	TotalRetries       int       `json:"total_retries"`
	FailedAccounts     []string  `json:"failed_accounts"`
}

// ReconcileCommand runs one reconciliation. It exits with ExitBusy when another
// run holds the lock and with ExitFindings on an integrity violation or when
// any account failed to update.
func (c *LedgerOpsCLI) ReconcileCommand(ctx context.Context, opts CommandOptions) int {
	opts = opts.withDefaults()
	summary, err := c.engine.ReconcileAll(ctx)
	switch {
	case errors.Is(err, reconcile.ErrReconciliationInProgress):
		_, _ = fmt.Fprintln(opts.Stderr, "reconcile: another run is in progress")
		return ExitBusy
	case errors.Is(err, reconcile.ErrIntegrityViolation):
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return ExitFindings
	case err != nil:
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return ExitError
	}
	out := ReconcileSummary{
		RunAt:              summary.RunAt,
		TransactionsMarked: summary.TransactionsMarked,
		AccountsReconciled: summary.TotalAccountsReconciled,
		TotalRetries:       summary.TotalRetries,
		FailedAccounts:     append([]string{}, summary.FailedAccounts...),
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(out); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return ExitError
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "Marked %d transaction(s), reconciled %d account(s) after %d retries.\n",
			out.TransactionsMarked, out.AccountsReconciled, out.TotalRetries)
		for _, id := range out.FailedAccounts {
			_, _ = fmt.Fprintf(opts.Stdout, "  failed: %s\n", id)
		}
	}
	if len(out.FailedAccounts) > 0 {
		return ExitFindings
	}
	return ExitOK
}
