package ledger

import "time"

// Apply returns balance adjusted by one posting. A posting on the same side as
// the account increases it, the opposite side decreases it.
func Apply(balance int64, account, posting Direction, amount int64) int64 {
	if account == posting {
		return balance + amount
	}
	return balance - amount
}

// Fold applies every posting to start using the account polarity.
func Fold(start int64, account Direction, postings []Posting) int64 {
	balance := start
	for _, p := range postings {
		balance = Apply(balance, account, p.Direction, p.Amount)
	}
	return balance
}

// Totals sums a posting set by direction.
type Totals struct {
	Debits  int64
	Credits int64
}

// Balanced reports whether debits equal credits.
func (t Totals) Balanced() bool {
	return t.Debits == t.Credits
}

// Leg is the minimal view of a posting the integrity check needs.
type Leg interface {
	LegDirection() Direction
	LegAmount() int64
}

func (p Posting) LegDirection() Direction      { return p.Direction }
func (p Posting) LegAmount() int64             { return p.Amount }
func (p PostingInput) LegDirection() Direction { return p.Direction }
func (p PostingInput) LegAmount() int64        { return p.Amount }

// CheckBalance is the single definition of a balanced transaction group. It
// returns the totals and an *UnbalancedError when debits differ from credits.
func CheckBalance[L Leg](transactionID string, legs []L) (Totals, error) {
	var totals Totals
	for _, leg := range legs {
		switch leg.LegDirection() {
		case DirectionDebit:
			totals.Debits += leg.LegAmount()
		case DirectionCredit:
			totals.Credits += leg.LegAmount()
		}
	}
	if !totals.Balanced() {
		return totals, &UnbalancedError{TransactionID: transactionID, Debits: totals.Debits, Credits: totals.Credits}
	}
	return totals, nil
}

// Snapshot folds the reconciled postings not yet reflected in the account's
// closed balance. It returns the new closed balance and the watermark to store
// alongside it: the latest of floor, the account's current watermark and any
// posting reconciled_at.
func Snapshot(account Account, reconciled []Posting, floor time.Time) (int64, time.Time) {
	through := floor
	if account.ReconciledThrough != nil && account.ReconciledThrough.After(through) {
		through = *account.ReconciledThrough
	}
	for _, p := range reconciled {
		if p.ReconciledAt != nil && p.ReconciledAt.After(through) {
			through = *p.ReconciledAt
		}
	}
	return Fold(account.ClosedBalance, account.Direction, reconciled), through
}
