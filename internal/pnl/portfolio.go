package pnl

import (
	"math"

	"lv-margin/internal/model"
	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
)

// Portfolio is the account-level aggregate.
type Portfolio struct {
	Balance            decimal.Decimal   `json:"balance"`
	TotalUnrealizedPnL decimal.Decimal   `json:"total_unrealized_pnl"`
	Equity             decimal.Decimal   `json:"equity"`
	MarginUsed         decimal.Decimal   `json:"margin_used"`
	FreeMargin         decimal.Decimal   `json:"free_margin"`
	MarginLevel        types.MarginLevel `json:"margin_level"`
	Positions          []PositionPnL     `json:"positions"`
	Flagged            []string          `json:"flagged,omitempty"`
}

// ComputePortfolio aggregates open positions. prices is keyed by symbol; a symbol
// missing from prices falls back to the position's last stored mark.
func ComputePortfolio(account model.Account, positions []model.Position, prices map[string]float64) Portfolio {
	total := decimal.Zero
	out := Portfolio{
		Balance:    account.Balance,
		MarginUsed: account.MarginUsed,
		Positions:  make([]PositionPnL, 0, len(positions)),
	}
	for _, p := range positions {
		if !p.Open() {
			continue
		}
		price, ok := PriceFor(p, prices)
		res := ComputePositionPnL(p, price)
		if !ok && res.Reason == ReasonBadMarketPrice {
			res.Reason = ReasonPriceMissing
		}
		if res.Flagged {
			out.Flagged = append(out.Flagged, p.ID)
		} else {
			total = total.Add(res.UnrealizedPnL)
		}
		out.Positions = append(out.Positions, res)
	}
	out.TotalUnrealizedPnL = total.Round(Precision)
	out.Equity = account.Balance.Add(out.TotalUnrealizedPnL)
	out.FreeMargin = out.Equity.Sub(account.MarginUsed)
	out.MarginLevel = Level(out.Equity, account.MarginUsed)
	return out
}

// PriceFor resolves the mark for p. ok is false when neither a live price nor a
// stored mark exists, in which case the returned price is NaN.
func PriceFor(p model.Position, prices map[string]float64) (float64, bool) {
	if v, exists := prices[p.Symbol]; exists {
		return v, true
	}
	if p.CurrentPrice.GreaterThan(decimal.Zero) {
		return p.CurrentPrice.InexactFloat64(), true
	}
	return math.NaN(), false
}
