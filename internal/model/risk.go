package model

import (
	"time"

	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
)

type MarginCallEvent struct {
	ID                 string                       `json:"id"`
	AccountID          string                       `json:"account_id"`
	Severity           types.Severity               `json:"severity"`
	Status             types.MarginCallStatus       `json:"status"`
	MarginLevel        types.MarginLevel            `json:"margin_level"`
	EnteredAt          map[types.Severity]time.Time `json:"entered_at"`
	LeftAt             map[types.Severity]time.Time `json:"left_at"`
	LiquidationEventID string                       `json:"liquidation_event_id,omitempty"`
	Resolution         string                       `json:"resolution,omitempty"`
	CreatedAt          time.Time                    `json:"created_at"`
	UpdatedAt          time.Time                    `json:"updated_at"`
	ResolvedAt         *time.Time                   `json:"resolved_at,omitempty"`
}

func (e MarginCallEvent) Active() bool {
	return e.Status != types.MarginCallStatusResolved
}

type ClosedPosition struct {
	PositionID       string             `json:"position_id"`
	Symbol           string             `json:"symbol"`
	Side             types.PositionSide `json:"side"`
	Quantity         decimal.Decimal    `json:"quantity"`
	ReferencePrice   decimal.Decimal    `json:"reference_price"`
	LiquidationPrice decimal.Decimal    `json:"liquidation_price"`
	RealizedPnL      decimal.Decimal    `json:"realized_pnl"`
	SlippageCost     decimal.Decimal    `json:"slippage_cost"`
	OrderID          string             `json:"order_id"`
}

type FailedPosition struct {
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	Error      string `json:"error"`
}

// LiquidationEvent is the audit record of one forced-closure batch.
// The snapshot fields are fixed at creation; results accumulate until a terminal status.
type LiquidationEvent struct {
	ID                   string                  `json:"id"`
	AccountID            string                  `json:"account_id"`
	MarginCallEventID    string                  `json:"margin_call_event_id,omitempty"`
	Reason               string                  `json:"reason"`
	Status               types.LiquidationStatus `json:"status"`
	InitialEquity        decimal.Decimal         `json:"initial_equity"`
	InitialMarginLevel   types.MarginLevel       `json:"initial_margin_level"`
	BaseSlippage         decimal.Decimal         `json:"base_slippage"`
	SlippageMultiplier   decimal.Decimal         `json:"slippage_multiplier"`
	PositionIDs          []string                `json:"position_ids"`
	ClosedPositions      []ClosedPosition        `json:"closed_positions"`
	FailedPositions      []FailedPosition        `json:"failed_positions"`
	TotalLossRealized    decimal.Decimal         `json:"total_loss_realized"`
	TotalSlippageApplied decimal.Decimal         `json:"total_slippage_applied"`
	FinalMarginLevel     *types.MarginLevel      `json:"final_margin_level,omitempty"`
	CreatedAt            time.Time               `json:"created_at"`
	UpdatedAt            time.Time               `json:"updated_at"`
	CompletedAt          *time.Time              `json:"completed_at,omitempty"`
}
