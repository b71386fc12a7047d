package ledger

import (
	"testing"
	"time"

	"lv-margin/internal/model"
	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(t *testing.T, initial decimal.Decimal, amounts ...string) ([]model.LedgerEntry, decimal.Decimal) {
	t.Helper()
	balance := initial
	prevHash := ""
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := make([]model.LedgerEntry, 0, len(amounts))
	for i, a := range amounts {
		amount, err := decimal.NewFromString(a)
		require.NoError(t, err)
		e := model.LedgerEntry{
			ID:            "e" + string(rune('1'+i)),
			AccountID:     "acc-1",
			Sequence:      int64(i + 1),
			Type:          types.LedgerEntryTypeRealizedPnL,
			Amount:        amount,
			BalanceBefore: balance,
			BalanceAfter:  balance.Add(amount),
			ReferenceID:   "pos-1",
			PrevHash:      prevHash,
			CreatedAt:     now,
		}
		e.Hash = computeHash(e)
		entries = append(entries, e)
		balance = e.BalanceAfter
		prevHash = e.Hash
	}
	return entries, balance
}

func TestVerifyAcceptsIntactChain(t *testing.T) {
	initial := decimal.NewFromInt(1000)
	entries, balance := chain(t, initial, "-2.5", "120", "-40.25")
	require.NoError(t, Verify(entries, initial, balance))
	require.NoError(t, Verify(nil, initial, initial))
}

func TestVerifyDetectsTampering(t *testing.T) {
	initial := decimal.NewFromInt(1000)

	tests := []struct {
		name    string
		tamper  func(entries []model.LedgerEntry, balance decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal)
		wantErr string
	}{
		{
			name: "amount edited",
			tamper: func(es []model.LedgerEntry, b decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal) {
				es[1].Amount = decimal.NewFromInt(500)
				return es, b
			},
			wantErr: "hash mismatch",
		},
		{
			name: "amount and hash edited",
			tamper: func(es []model.LedgerEntry, b decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal) {
				es[1].Amount = decimal.NewFromInt(500)
				es[1].Hash = computeHash(es[1])
				return es, b
			},
			wantErr: "balance discontinuity",
		},
		{
			name: "prev hash rewritten",
			tamper: func(es []model.LedgerEntry, b decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal) {
				es[2].PrevHash = "deadbeef"
				return es, b
			},
			wantErr: "broken chain",
		},
		{
			name: "entry removed",
			tamper: func(es []model.LedgerEntry, b decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal) {
				return append(es[:1:1], es[2:]...), b
			},
			wantErr: "broken chain",
		},
		{
			name: "entries reordered",
			tamper: func(es []model.LedgerEntry, b decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal) {
				es[0], es[1] = es[1], es[0]
				return es, b
			},
			wantErr: "broken chain",
		},
		{
			name: "sequence rewritten",
			tamper: func(es []model.LedgerEntry, b decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal) {
				es[0].Sequence = 7
				es[0].Hash = computeHash(es[0])
				es[1].PrevHash = es[0].Hash
				es[1].Hash = computeHash(es[1])
				es[2].PrevHash = es[1].Hash
				es[2].Hash = computeHash(es[2])
				return es, b
			},
			wantErr: "out of sequence",
		},
		{
			name: "balance before rewritten with rehash",
			tamper: func(es []model.LedgerEntry, b decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal) {
				es[0].BalanceBefore = decimal.NewFromInt(900)
				es[0].BalanceAfter = es[0].BalanceBefore.Add(es[0].Amount)
				es[0].Hash = computeHash(es[0])
				es[1].PrevHash = es[0].Hash
				es[1].Hash = computeHash(es[1])
				es[2].PrevHash = es[1].Hash
				es[2].Hash = computeHash(es[2])
				return es, b
			},
			wantErr: "balance discontinuity",
		},
		{
			name: "balance drifted from ledger",
			tamper: func(es []model.LedgerEntry, b decimal.Decimal) ([]model.LedgerEntry, decimal.Decimal) {
				return es, b.Add(decimal.NewFromInt(1))
			},
			wantErr: "does not explain balance change",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, balance := chain(t, initial, "-2.5", "120", "-40.25")
			entries, balance = tt.tamper(entries, balance)
			err := Verify(entries, initial, balance)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
