package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the polarity of an account or a posting.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// ParseDirection normalises user supplied polarity values.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionDebit:
		return DirectionDebit, nil
	case DirectionCredit:
		return DirectionCredit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// Valid reports whether d is one of the known polarities.
func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}

// Account is the durable entity postings are applied to. ClosedBalance is the
// snapshot produced by the last successful reconciliation of the account and
// ReconciledThrough is the latest posting reconciled_at folded into it.
type Account struct {
	ID                string
	Name              string
	Direction         Direction
	ClosedBalance     int64
	Version           int64
	ReconciledThrough *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Posting is one leg of a transaction group.
type Posting struct {
	ID              string
	AccountID       string
	Amount          int64
	Direction       Direction
	TransactionID   string
	TransactionName string
	CreatedAt       time.Time
	ReconciledAt    *time.Time
}

// Open reports whether the posting has not been reconciled yet.
func (p Posting) Open() bool {
	return p.ReconciledAt == nil
}

// Transaction is a read model over the postings sharing a transaction id.
type Transaction struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	ReconciledAt *time.Time
	Postings     []Posting
}

// AccountInput describes an account creation request.
type AccountInput struct {
	ID            string
	Name          string
	Direction     Direction
	ClosedBalance int64
}

// Validate ensures the account input is usable.
func (in AccountInput) Validate() error {
	if !in.Direction.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, in.Direction)
	}
	return nil
}

// PostingInput is one proposed leg of a new transaction.
type PostingInput struct {
	AccountID string
	Amount    int64
	Direction Direction
}

// TransactionInput groups the legs of a new transaction.
type TransactionInput struct {
	ID       string
	Name     string
	Postings []PostingInput
}

// Validate checks the shape of every leg. Balance is checked separately by CheckBalance.
func (in TransactionInput) Validate() error {
	if len(in.Postings) < 2 {
		return fmt.Errorf("%w: transaction requires at least two postings", ErrInvalidPosting)
	}
	for idx, p := range in.Postings {
		if strings.TrimSpace(p.AccountID) == "" {
			return fmt.Errorf("%w: posting %d missing account", ErrInvalidPosting, idx)
		}
		if p.Amount <= 0 {
			return fmt.Errorf("%w: posting %d amount must be positive", ErrInvalidPosting, idx)
		}
		if !p.Direction.Valid() {
			return fmt.Errorf("%w: posting %d direction %q", ErrInvalidPosting, idx, p.Direction)
		}
	}
	return nil
}

func groupTransaction(postings []Posting) Transaction {
	if len(postings) == 0 {
		return Transaction{}
	}
	head := postings[0]
	tx := Transaction{
		ID:        head.TransactionID,
		Name:      head.TransactionName,
		CreatedAt: head.CreatedAt,
		Postings:  postings,
	}
	for _, p := range postings {
		if p.ReconciledAt != nil {
			at := *p.ReconciledAt
			tx.ReconciledAt = &at
			break
		}
	}
	return tx
}
