package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySameDirectionIncreases(t *testing.T) {
	for _, dir := range []Direction{DirectionDebit, DirectionCredit} {
		assert.Equal(t, int64(1500), Apply(1000, dir, dir, 500), "direction %s", dir)
	}
}

func TestApplyOppositeDirectionDecreases(t *testing.T) {
	assert.Equal(t, int64(500), Apply(1000, DirectionDebit, DirectionCredit, 500))
	assert.Equal(t, int64(-250), Apply(250, DirectionCredit, DirectionDebit, 500))
}

func TestFoldIsOrderIndependent(t *testing.T) {
	postings := []Posting{
		{Direction: DirectionDebit, Amount: 700},
		{Direction: DirectionCredit, Amount: 200},
		{Direction: DirectionDebit, Amount: 50},
	}
	reversed := []Posting{postings[2], postings[1], postings[0]}
	assert.Equal(t, int64(550), Fold(0, DirectionDebit, postings))
	assert.Equal(t, Fold(0, DirectionDebit, postings), Fold(0, DirectionDebit, reversed))
}

func TestCheckBalance(t *testing.T) {
	totals, err := CheckBalance("tx-1", []PostingInput{
		{AccountID: "a", Direction: DirectionDebit, Amount: 600},
		{AccountID: "a", Direction: DirectionDebit, Amount: 400},
		{AccountID: "b", Direction: DirectionCredit, Amount: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, Totals{Debits: 1000, Credits: 1000}, totals)

	totals, err = CheckBalance("tx-2", []Posting{
		{Direction: DirectionDebit, Amount: 1000},
		{Direction: DirectionCredit, Amount: 500},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnbalancedTransaction))
	var unbalanced *UnbalancedError
	require.True(t, errors.As(err, &unbalanced))
	assert.Equal(t, "tx-2", unbalanced.TransactionID)
	assert.Equal(t, int64(1000), unbalanced.Debits)
	assert.Equal(t, int64(500), unbalanced.Credits)
	assert.Equal(t, Totals{Debits: 1000, Credits: 500}, totals)
	assert.Contains(t, err.Error(), "debits=1000 credits=500")
}

func TestConservationAcrossBalancedGroup(t *testing.T) {
	accounts := map[string]Direction{"cash": DirectionDebit, "revenue": DirectionCredit, "fees": DirectionDebit}
	group := []Posting{
		{AccountID: "cash", Direction: DirectionDebit, Amount: 9700},
		{AccountID: "fees", Direction: DirectionDebit, Amount: 300},
		{AccountID: "revenue", Direction: DirectionCredit, Amount: 10000},
	}
	_, err := CheckBalance("sale", group)
	require.NoError(t, err)

	// Signed against the debit side, a balanced group nets to zero.
	var net int64
	for _, p := range group {
		net = Apply(net, DirectionDebit, p.Direction, p.Amount)
	}
	assert.Zero(t, net)

	var increases int64
	for _, p := range group {
		increases += Apply(0, accounts[p.AccountID], p.Direction, p.Amount)
	}
	assert.Equal(t, int64(20000), increases)
}

func TestSnapshotAdvancesWatermark(t *testing.T) {
	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	account := Account{ID: "a", Direction: DirectionDebit, ClosedBalance: 1000, ReconciledThrough: &first}

	balance, through := Snapshot(account, []Posting{
		{Direction: DirectionDebit, Amount: 300, ReconciledAt: &second},
		{Direction: DirectionCredit, Amount: 100, ReconciledAt: &second},
	}, second)
	assert.Equal(t, int64(1200), balance)
	assert.Equal(t, second, through)

	balance, through = Snapshot(account, nil, first.Add(-time.Minute))
	assert.Equal(t, int64(1000), balance)
	assert.Equal(t, first, through, "watermark never moves backwards")
}

func TestTransactionInputValidate(t *testing.T) {
	cases := map[string]TransactionInput{
		"empty":           {},
		"single leg":      {Postings: []PostingInput{{AccountID: "a", Direction: DirectionDebit, Amount: 5}}},
		"zero amount":     {Postings: []PostingInput{{AccountID: "a", Direction: DirectionDebit}}},
		"negative":        {Postings: []PostingInput{{AccountID: "a", Direction: DirectionDebit, Amount: -5}}},
		"bad direction":   {Postings: []PostingInput{{AccountID: "a", Direction: "sideways", Amount: 5}}},
		"missing account": {Postings: []PostingInput{{Direction: DirectionDebit, Amount: 5}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, in.Validate(), ErrInvalidPosting)
		})
	}
}

func TestParseDirection(t *testing.T) {
	dir, err := ParseDirection(" Credit ")
	require.NoError(t, err)
	assert.Equal(t, DirectionCredit, dir)

	_, err = ParseDirection("both")
	assert.ErrorIs(t, err, ErrInvalidDirection)
}
