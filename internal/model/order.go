package model

import (
	"time"

	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	PositionID     string            `json:"position_id"`
	Symbol         string            `json:"symbol"`
	Type           types.OrderType   `json:"type"`
	Side           types.OrderSide   `json:"side"`
	Quantity       decimal.Decimal   `json:"quantity"`
	Price          *decimal.Decimal  `json:"price,omitempty"`
	Status         types.OrderStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	Reason         types.CloseReason `json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	FilledAt       *time.Time        `json:"filled_at,omitempty"`
}

// Fill is one immutable execution against an order.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	AccountID  string          `json:"account_id"`
	PositionID string          `json:"position_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	CreatedAt  time.Time       `json:"created_at"`
}

// IdempotencyRecord remembers the outcome of a consumed key so replays return it verbatim.
type IdempotencyRecord struct {
	AccountID   string    `json:"account_id"`
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Outcome     []byte    `json:"outcome"`
	CreatedAt   time.Time `json:"created_at"`
}
