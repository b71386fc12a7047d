// Package pnl computes unrealized P&L and margin level from positions, prices and balances.
// Every function is pure: identical input yields identical output.
package pnl

import (
	"math"

	"lv-margin/internal/model"
	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places P&L figures are rounded to.
const Precision = 4

var hundred = decimal.NewFromInt(100)

const (
	ReasonBadEntryPrice  = "entry price must be positive"
	ReasonBadQuantity    = "quantity must be positive"
	ReasonBadMarketPrice = "current price is not a finite positive number"
	ReasonPriceMissing   = "no price available"
)

type PositionPnL struct {
	PositionID    string             `json:"position_id"`
	Symbol        string             `json:"symbol"`
	Side          types.PositionSide `json:"side"`
	CurrentPrice  decimal.Decimal    `json:"current_price"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
	PnLPercentage decimal.Decimal    `json:"pnl_percentage"`
	MarginLevel   types.MarginLevel  `json:"margin_level"`
	ROI           decimal.Decimal    `json:"roi"`
	Flagged       bool               `json:"flagged"`
	Reason        string             `json:"reason,omitempty"`
}

// ComputePositionPnL marks one position at currentPrice. Bad input never panics:
// the result is zeroed and flagged instead.
func ComputePositionPnL(p model.Position, currentPrice float64) PositionPnL {
	out := PositionPnL{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		MarginLevel: types.UncappedMarginLevel(),
	}
	if reason := validate(p, currentPrice); reason != "" {
		out.Flagged = true
		out.Reason = reason
		return out
	}
	mark := decimal.NewFromFloat(currentPrice)
	out.CurrentPrice = mark
	out.UnrealizedPnL = Unrealized(p.Side, p.EntryPrice, mark, p.Quantity, p.Multiplier())

	cost := p.EntryPrice.Mul(p.Quantity).Mul(p.Multiplier())
	if cost.GreaterThan(decimal.Zero) {
		out.PnLPercentage = out.UnrealizedPnL.Div(cost).Mul(hundred).Round(Precision)
	}
	if p.MarginUsed.GreaterThan(decimal.Zero) {
		out.ROI = out.UnrealizedPnL.Div(p.MarginUsed).Mul(hundred).Round(Precision)
		out.MarginLevel = Level(p.MarginUsed.Add(out.UnrealizedPnL), p.MarginUsed)
	}
	return out
}

// Unrealized is the signed mark-to-market result of size at mark, rounded to Precision.
func Unrealized(side types.PositionSide, entry, mark, quantity, multiplier decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(entry)
	if side == types.PositionSideShort {
		diff = entry.Sub(mark)
	}
	return diff.Mul(quantity).Mul(multiplier).Round(Precision)
}

// Level returns equity/marginUsed*100, or the uncapped sentinel when marginUsed is not positive.
func Level(equity, marginUsed decimal.Decimal) types.MarginLevel {
	if !marginUsed.GreaterThan(decimal.Zero) {
		return types.UncappedMarginLevel()
	}
	return types.FiniteMarginLevel(equity.Div(marginUsed).Mul(hundred).Round(Precision))
}

func validate(p model.Position, price float64) string {
	switch {
	case !p.EntryPrice.GreaterThan(decimal.Zero):
		return ReasonBadEntryPrice
	case !p.Quantity.GreaterThan(decimal.Zero):
		return ReasonBadQuantity
	case math.IsNaN(price) || math.IsInf(price, 0) || price <= 0:
		return ReasonBadMarketPrice
	}
	return ""
}
