// Package ledger books balance mutations as hash-chained, append-only entries.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"lv-margin/internal/model"
	"lv-margin/internal/store"
	"lv-margin/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Post applies amount to acc.Balance and appends the matching entry inside tx.
// The caller persists acc.
func Post(ctx context.Context, tx store.Tx, acc *model.Account, entryType types.LedgerEntryType, amount decimal.Decimal, ref string, now time.Time) (model.LedgerEntry, error) {
	if amount.IsZero() {
		return model.LedgerEntry{}, nil
	}
	prev, err := tx.Ledger().Last(ctx)
	if err != nil && !store.IsNotFound(err) {
		return model.LedgerEntry{}, fmt.Errorf("load ledger head: %w", err)
	}
	entry := model.LedgerEntry{
		ID:            uuid.NewString(),
		AccountID:     acc.ID,
		Sequence:      prev.Sequence + 1,
		Type:          entryType,
		Amount:        amount,
		BalanceBefore: acc.Balance,
		BalanceAfter:  acc.Balance.Add(amount),
		ReferenceID:   ref,
		PrevHash:      prev.Hash,
		CreatedAt:     now,
	}
	entry.Hash = computeHash(entry)
	if err := tx.Ledger().Append(ctx, entry); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	acc.Balance = entry.BalanceAfter
	return entry, nil
}

// Verify checks the hash chain and that the entries explain balance-initial exactly.
func Verify(entries []model.LedgerEntry, initial, balance decimal.Decimal) error {
	prevHash := ""
	sum := decimal.Zero
	running := initial
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return fmt.Errorf("entry %d: broken chain", e.Sequence)
		}
		if computeHash(e) != e.Hash {
			return fmt.Errorf("entry %d: hash mismatch", e.Sequence)
		}
		if e.Sequence != int64(i+1) {
			return fmt.Errorf("entry %d: out of sequence", e.Sequence)
		}
		if !e.BalanceBefore.Equal(running) || !e.BalanceAfter.Equal(running.Add(e.Amount)) {
			return fmt.Errorf("entry %d: balance discontinuity", e.Sequence)
		}
		running = e.BalanceAfter
		sum = sum.Add(e.Amount)
		prevHash = e.Hash
	}
	if !sum.Equal(balance.Sub(initial)) {
		return fmt.Errorf("ledger sum %s does not explain balance change %s", sum, balance.Sub(initial))
	}
	return nil
}

func computeHash(e model.LedgerEntry) string {
	buf := e.ID + "|" + e.AccountID + "|" + strconv.FormatInt(e.Sequence, 10) + "|" + string(e.Type) + "|" +
		e.Amount.String() + "|" + e.BalanceBefore.String() + "|" + e.BalanceAfter.String() + "|" + e.ReferenceID + "|" + e.PrevHash
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}
