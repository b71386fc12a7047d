package model

import (
	"time"

	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
)

type LedgerEntry struct {
	ID            string                `json:"id"`
	AccountID     string                `json:"account_id"`
	Sequence      int64                 `json:"sequence"`
	Type          types.LedgerEntryType `json:"type"`
	Amount        decimal.Decimal       `json:"amount"`
	BalanceBefore decimal.Decimal       `json:"balance_before"`
	BalanceAfter  decimal.Decimal       `json:"balance_after"`
	ReferenceID   string                `json:"reference_id"`
	PrevHash      string                `json:"prev_hash"`
	Hash          string                `json:"hash"`
	CreatedAt     time.Time             `json:"created_at"`
}
