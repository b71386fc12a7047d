package orders

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"lv-margin/internal/ledger"
	"lv-margin/internal/model"
	"lv-margin/internal/pnl"
	"lv-margin/internal/store"
	"lv-margin/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CloseRequest is the input of the atomic close primitive shared by user closes and liquidation.
type CloseRequest struct {
	AccountID  string
	PositionID string
	// Quantity nil closes the whole position.
	Quantity       *decimal.Decimal
	Price          decimal.Decimal
	IdempotencyKey string
	Reason         types.CloseReason
}

type CloseOutcome struct {
	OrderID           string               `json:"orderId"`
	PositionID        string               `json:"positionId"`
	Symbol            string               `json:"symbol"`
	Side              types.PositionSide   `json:"side"`
	ClosedQuantity    decimal.Decimal      `json:"closedQuantity"`
	RemainingQuantity decimal.Decimal      `json:"remainingQuantity"`
	ClosePrice        decimal.Decimal      `json:"closePrice"`
	RealizedPnL       decimal.Decimal      `json:"realizedPnl"`
	Commission        decimal.Decimal      `json:"commission"`
	MarginReleased    decimal.Decimal      `json:"marginReleased"`
	NewBalance        decimal.Decimal      `json:"newBalance"`
	NewMarginLevel    types.MarginLevel    `json:"newMarginLevel"`
	PositionStatus    types.PositionStatus `json:"positionStatus"`
	Reason            types.CloseReason    `json:"reason"`
	ClosedAt          time.Time            `json:"closedAt"`

	Replayed bool            `json:"-"`
	Raw      json.RawMessage `json:"-"`
}

// ClosePositionAtomic closes all or part of a position at req.Price in one
// transaction: margin is released, realized P&L and commission are booked to the
// balance, and the position is closed or reduced. The key makes the call safe to
// repeat; the price is not part of the request identity, so a retry at a newer
// price returns the first outcome.
func (s *Service) ClosePositionAtomic(ctx context.Context, req CloseRequest) (out CloseOutcome, err error) {
	start := time.Now()
	defer func() { s.observe("close_"+string(req.Reason), start, err) }()

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.AccountID == "" || req.PositionID == "":
		return out, newError(CodeValidation, "account and position are required")
	case req.IdempotencyKey == "":
		return out, newError(CodeValidation, "idempotencyKey is required")
	case !req.Price.GreaterThan(decimal.Zero):
		return out, newError(CodeValidation, "close price must be positive")
	case req.Quantity != nil && !req.Quantity.GreaterThan(decimal.Zero):
		return out, newError(CodeValidation, "quantity must be positive")
	}
	if req.Reason == "" {
		req.Reason = types.CloseReasonUser
	}
	fp := closeFingerprint(req)

	var body []byte
	replayed := false
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		body, replayed = nil, false
		return s.store.Atomic(ctx, req.AccountID, func(tx store.Tx) error {
			rec, err := tx.Idempotency().Get(ctx, req.IdempotencyKey)
			if err == nil {
				if rec.Fingerprint != fp {
					return newError(CodeIdempotencyReused, "idempotency key was already used for a different request")
				}
				body, replayed = rec.Outcome, true
				return nil
			}
			if !store.IsNotFound(err) {
				return err
			}
			body, err = s.close(ctx, tx, req, fp)
			return err
		})
	})
	if err != nil {
		return out, s.txError(ctx, err)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, wrapError(CodePersistence, "stored outcome is unreadable", err)
	}
	out.Raw = append(json.RawMessage(nil), body...)
	out.Replayed = replayed
	if !replayed {
		s.log.Info().Str("account_id", req.AccountID).Str("position_id", req.PositionID).Str("reason", string(req.Reason)).
			Str("close_price", out.ClosePrice.String()).Str("realized_pnl", out.RealizedPnL.String()).Msg("position closed")
	}
	return out, nil
}

func (s *Service) close(ctx context.Context, tx store.Tx, req CloseRequest, fp string) ([]byte, error) {
	pos, err := tx.Positions().Get(ctx, req.PositionID)
	if store.IsNotFound(err) {
		return nil, newError(CodePositionNotFound, "position not found")
	}
	if err != nil {
		return nil, err
	}
	if !pos.Open() {
		return nil, newError(CodePositionClosed, "position is already closed")
	}
	qty := pos.Quantity
	if req.Quantity != nil {
		if req.Quantity.GreaterThan(pos.Quantity) {
			return nil, newError(CodeValidation, "quantity exceeds the open position")
		}
		qty = *req.Quantity
	}
	full := qty.Equal(pos.Quantity)

	acc, err := tx.Accounts().Get(ctx)
	if err != nil {
		return nil, err
	}

	realized := pnl.Unrealized(pos.Side, pos.EntryPrice, req.Price, qty, pos.Multiplier())
	released := pos.MarginUsed
	if !full {
		released = pos.MarginUsed.Mul(qty).Div(pos.Quantity).Round(moneyPlaces)
	}
	commission := qty.Mul(req.Price).Mul(pos.Multiplier()).Mul(s.cfg.CommissionRate).Round(moneyPlaces)

	now := s.now()
	order := model.Order{
		ID:             uuid.NewString(),
		AccountID:      acc.ID,
		PositionID:     pos.ID,
		Symbol:         pos.Symbol,
		Type:           types.OrderTypeMarket,
		Side:           pos.Side.Opposite(),
		Quantity:       qty,
		Price:          &req.Price,
		Status:         types.OrderStatusFilled,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
		CreatedAt:      now,
		FilledAt:       &now,
	}
	if err := tx.Orders().Insert(ctx, order); err != nil {
		return nil, err
	}
	if err := tx.Fills().Insert(ctx, model.Fill{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		AccountID:  acc.ID,
		PositionID: pos.ID,
		Quantity:   qty,
		Price:      req.Price,
		Commission: commission,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	entryType := types.LedgerEntryTypeRealizedPnL
	if req.Reason == types.CloseReasonLiquidation {
		entryType = types.LedgerEntryTypeLiquidation
	}
	if _, err := ledger.Post(ctx, tx, &acc, entryType, realized, order.ID, now); err != nil {
		return nil, err
	}
	if _, err := ledger.Post(ctx, tx, &acc, types.LedgerEntryTypeCommission, commission.Neg(), order.ID, now); err != nil {
		return nil, err
	}

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.CurrentPrice = req.Price
	if full {
		pos.Status = types.PositionStatusClosed
		pos.MarginUsed = decimal.Zero
		pos.ClosedAt = &now
	} else {
		pos.Quantity = pos.Quantity.Sub(qty)
		pos.MarginUsed = pos.MarginUsed.Sub(released)
	}
	if err := tx.Positions().Update(ctx, pos); err != nil {
		return nil, err
	}

	acc.MarginUsed = acc.MarginUsed.Sub(released)
	if acc.MarginUsed.LessThan(decimal.Zero) {
		acc.MarginUsed = decimal.Zero
	}
	remaining, err := tx.Positions().ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	after := pnl.ComputePortfolio(acc, remaining, s.markPrices(ctx, remaining))
	acc.Equity = after.Equity
	acc.UpdatedAt = now
	if err := tx.Accounts().Update(ctx, acc); err != nil {
		return nil, err
	}

	remainingQty := decimal.Zero
	if !full {
		remainingQty = pos.Quantity
	}
	body, err := json.Marshal(CloseOutcome{
		OrderID:           order.ID,
		PositionID:        pos.ID,
		Symbol:            pos.Symbol,
		Side:              pos.Side,
		ClosedQuantity:    qty,
		RemainingQuantity: remainingQty,
		ClosePrice:        req.Price,
		RealizedPnL:       realized,
		Commission:        commission,
		MarginReleased:    released,
		NewBalance:        acc.Balance,
		NewMarginLevel:    after.MarginLevel,
		PositionStatus:    pos.Status,
		Reason:            req.Reason,
		ClosedAt:          now,
	})
	if err != nil {
		return nil, err
	}
	return body, tx.Idempotency().Put(ctx, model.IdempotencyRecord{
		AccountID:   acc.ID,
		Key:         req.IdempotencyKey,
		Fingerprint: fp,
		Outcome:     body,
		CreatedAt:   now,
	})
}

type UserCloseRequest struct {
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey"`
}

// ClosePosition is the trader-initiated close. It prices at the current mark
// slipped against the closer and delegates to ClosePositionAtomic.
func (s *Service) ClosePosition(ctx context.Context, accountID, positionID string, req UserCloseRequest) (CloseOutcome, error) {
	closeReq := CloseRequest{
		AccountID:      accountID,
		PositionID:     positionID,
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Reason:         types.CloseReasonUser,
	}
	if closeReq.IdempotencyKey == "" {
		return CloseOutcome{}, newError(CodeValidation, "idempotencyKey is required")
	}
	if req.Quantity != nil && !req.Quantity.GreaterThan(decimal.Zero) {
		return CloseOutcome{}, newError(CodeValidation, "quantity must be positive")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		acc   model.Account
		pos   model.Position
		prior *model.IdempotencyRecord
		call  *model.MarginCallEvent
	)
	err := s.store.Read(ctx, accountID, func(tx store.Tx) error {
		var err error
		if acc, err = tx.Accounts().Get(ctx); err != nil {
			return err
		}
		rec, err := tx.Idempotency().Get(ctx, closeReq.IdempotencyKey)
		if err == nil {
			prior = &rec
		} else if !store.IsNotFound(err) {
			return err
		}
		mc, err := tx.MarginCalls().Active(ctx)
		if err == nil {
			call = &mc
		} else if !store.IsNotFound(err) {
			return err
		}
		pos, err = tx.Positions().Get(ctx, positionID)
		if store.IsNotFound(err) {
			return newError(CodePositionNotFound, "position not found")
		}
		return err
	})
	if err != nil {
		return CloseOutcome{}, s.txError(ctx, err)
	}
	if !acc.Active() {
		return CloseOutcome{}, newError(CodeAccountInactive, "account is not active")
	}
	if prior != nil {
		return s.ClosePositionAtomic(ctx, withPrice(closeReq, pos.CurrentPrice, pos.EntryPrice))
	}
	if !s.limiter.Allow(accountID) {
		return CloseOutcome{}, newError(CodeRateLimited, "too many orders, slow down")
	}
	if call != nil && call.Severity == types.SeverityCritical {
		return CloseOutcome{}, newError(CodeValidation, "account is being liquidated")
	}
	if !pos.Open() {
		return CloseOutcome{}, newError(CodePositionClosed, "position is already closed")
	}
	mid, err := s.price(ctx, pos.Symbol)
	if err != nil {
		return CloseOutcome{}, err
	}
	closeReq.Price = SlippedPrice(pos.Side.Opposite(), decimal.NewFromFloat(mid), s.cfg.Slippage)
	return s.ClosePositionAtomic(ctx, closeReq)
}

// withPrice fills in a placeholder price for a replayed request; the stored outcome wins.
func withPrice(req CloseRequest, candidates ...decimal.Decimal) CloseRequest {
	for _, c := range candidates {
		if c.GreaterThan(decimal.Zero) {
			req.Price = c
			return req
		}
	}
	req.Price = decimal.NewFromInt(1)
	return req
}

func closeFingerprint(req CloseRequest) string {
	return fingerprint("close", req.PositionID, optional(req.Quantity), string(req.Reason))
}
