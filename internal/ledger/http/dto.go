package ledgerhttp

import (
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
)

type createAccountRequest struct {
	ID            string `json:"id" validate:"omitempty,max=64"`
	Name          string `json:"name" validate:"max=200"`
	Direction     string `json:"direction" validate:"required,oneof=debit credit"`
	ClosedBalance int64  `json:"closed_balance"`
}

func (r createAccountRequest) input() ledger.AccountInput {
	return ledger.AccountInput{
		ID:            r.ID,
		Name:          r.Name,
		Direction:     ledger.Direction(r.Direction),
		ClosedBalance: r.ClosedBalance,
	}
}

type postingRequest struct {
	AccountID string `json:"account_id" validate:"required,max=64"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Direction string `json:"direction" validate:"required,oneof=debit credit"`
}

type createTransactionRequest struct {
	ID       string           `json:"id" validate:"omitempty,max=64"`
	Name     string           `json:"name" validate:"max=200"`
	Postings []postingRequest `json:"postings" validate:"required,min=2,dive"`
}

func (r createTransactionRequest) input() ledger.TransactionInput {
	in := ledger.TransactionInput{ID: r.ID, Name: r.Name, Postings: make([]ledger.PostingInput, 0, len(r.Postings))}
	for _, p := range r.Postings {
		in.Postings = append(in.Postings, ledger.PostingInput{
			AccountID: p.AccountID,
			Amount:    p.Amount,
			Direction: ledger.Direction(p.Direction),
		})
	}
	return in
}

type accountResponse struct {
	ID                string     `json:"id"`
	Name              string     `json:"name,omitempty"`
	Direction         string     `json:"direction"`
	ClosedBalance     int64      `json:"closed_balance"`
	Version           int64      `json:"version"`
	ReconciledThrough *time.Time `json:"reconciled_through,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newAccountResponse(a ledger.Account) accountResponse {
	return accountResponse{
		ID:                a.ID,
		Name:              a.Name,
		Direction:         string(a.Direction),
		ClosedBalance:     a.ClosedBalance,
		Version:           a.Version,
		ReconciledThrough: a.ReconciledThrough,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type postingResponse struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	Amount          int64      `json:"amount"`
	Direction       string     `json:"direction"`
	TransactionID   string     `json:"transaction_id"`
	TransactionName string     `json:"transaction_name,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ReconciledAt    *time.Time `json:"reconciled_at"`
}

func newPostingResponses(postings []ledger.Posting) []postingResponse {
	out := make([]postingResponse, 0, len(postings))
	for _, p := range postings {
		out = append(out, postingResponse{
			ID:              p.ID,
			AccountID:       p.AccountID,
			Amount:          p.Amount,
			Direction:       string(p.Direction),
			TransactionID:   p.TransactionID,
			TransactionName: p.TransactionName,
			CreatedAt:       p.CreatedAt,
			ReconciledAt:    p.ReconciledAt,
		})
	}
	return out
}

type transactionResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ReconciledAt *time.Time        `json:"reconciled_at"`
	Postings     []postingResponse `json:"postings"`
}

func newTransactionResponse(tx ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:           tx.ID,
		Name:         tx.Name,
		CreatedAt:    tx.CreatedAt,
		ReconciledAt: tx.ReconciledAt,
		Postings:     newPostingResponses(tx.Postings),
	}
}

type accountSummaryResponse struct {
	AccountID             string `json:"account_id"`
	PreviousClosedBalance int64  `json:"previous_closed_balance"`
	NewClosedBalance      int64  `json:"new_closed_balance"`
	Retries               int    `json:"retries"`
}

type summaryResponse struct {
	RunAt                   time.Time                `json:"run_at"`
	TotalAccountsReconciled int                      `json:"total_accounts_reconciled"`
	TransactionsMarked      int                      `json:"transactions_marked"`
	IntegrityCheckPassed    bool                     `json:"integrity_check_passed"`
	TotalRetries            int                      `json:"total_retries"`
	Accounts                []accountSummaryResponse `json:"accounts"`
	FailedAccounts          []string                 `json:"failed_accounts"`
}

func newSummaryResponse(s reconcile.Summary) summaryResponse {
	out := summaryResponse{
		RunAt:                   s.RunAt,
		TotalAccountsReconciled: s.TotalAccountsReconciled,
		TransactionsMarked:      s.TransactionsMarked,
		IntegrityCheckPassed:    s.IntegrityCheckPassed,
		TotalRetries:            s.TotalRetries,
		Accounts:                make([]accountSummaryResponse, 0, len(s.Accounts)),
		FailedAccounts:          s.FailedAccounts,
	}
	if out.FailedAccounts == nil {
		out.FailedAccounts = []string{}
	}
	for _, a := range s.Accounts {
		out.Accounts = append(out.Accounts, accountSummaryResponse(a))
	}
	return out
}

type violationResponse struct {
	TransactionID string `json:"transaction_id"`
	Debits        int64  `json:"debits"`
	Credits       int64  `json:"credits"`
}

type integrityResponse struct {
	CheckedAt  time.Time           `json:"checked_at"`
	Groups     int                 `json:"groups"`
	Passed     bool                `json:"passed"`
	Violations []violationResponse `json:"violations"`
}

func newIntegrityResponse(r reconcile.IntegrityReport) integrityResponse {
	out := integrityResponse{
		CheckedAt:  r.CheckedAt,
		Groups:     r.Groups,
		Passed:     r.Passed(),
		Violations: make([]violationResponse, 0, len(r.Violations)),
	}
	for _, v := range r.Violations {
		out.Violations = append(out.Violations, violationResponse{TransactionID: v.TransactionID, Debits: v.Debits, Credits: v.Credits})
	}
	return out
}
