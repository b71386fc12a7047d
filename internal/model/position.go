package model

import (
	"time"

	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID                   string               `json:"id"`
	AccountID            string               `json:"account_id"`
	Symbol               string               `json:"symbol"`
	Side                 types.PositionSide   `json:"side"`
	Quantity             decimal.Decimal      `json:"quantity"`
	EntryPrice           decimal.Decimal      `json:"entry_price"`
	CurrentPrice         decimal.Decimal      `json:"current_price"`
	MarginUsed           decimal.Decimal      `json:"margin_used"`
	ContractMultiplier   decimal.Decimal      `json:"contract_multiplier"`
	Leverage             int                  `json:"leverage"`
	Status               types.PositionStatus `json:"status"`
	RealizedPnL          decimal.Decimal      `json:"realized_pnl"`
	TrailingStopDistance *decimal.Decimal     `json:"trailing_stop_distance,omitempty"`
	TrailingStopPrice    *decimal.Decimal     `json:"trailing_stop_price,omitempty"`
	OpenOrderID          string               `json:"open_order_id"`
	OpenedAt             time.Time            `json:"opened_at"`
	ClosedAt             *time.Time           `json:"closed_at,omitempty"`
}

func (p Position) Open() bool {
	return p.Status == types.PositionStatusOpen
}

// Multiplier returns the contract multiplier, treating unset as 1.
func (p Position) Multiplier() decimal.Decimal {
	if p.ContractMultiplier.GreaterThan(decimal.Zero) {
		return p.ContractMultiplier
	}
	return decimal.NewFromInt(1)
}
