package model

import (
	"time"

	"lv-margin/internal/types"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	Status         types.AccountStatus `json:"status"`
	KYCApproved    bool                `json:"kyc_approved"`
	Balance        decimal.Decimal     `json:"balance"`
	InitialBalance decimal.Decimal     `json:"initial_balance"`
	Equity         decimal.Decimal     `json:"equity"`
	MarginUsed     decimal.Decimal     `json:"margin_used"`
	Leverage       int                 `json:"leverage"`
	RiskProfile    string              `json:"risk_profile"`
	Version        int64               `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (a Account) Active() bool {
	return a.Status == types.AccountStatusActive
}
