package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"lv-margin/internal/ledger"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/metrics"
	"lv-margin/internal/model"
	"lv-margin/internal/pnl"
	"lv-margin/internal/ratelimit"
	"lv-margin/internal/retry"
	"lv-margin/internal/store"
	"lv-margin/internal/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// moneyPlaces is the rounding applied to margin, commission and fill prices.
const moneyPlaces = 8

type Config struct {
	Slippage       decimal.Decimal
	CommissionRate decimal.Decimal
	RatePerSecond  float64
	RateBurst      int
	Timeout        time.Duration
}

type Service struct {
	store   store.Store
	prices  marketdata.PriceSource
	catalog marketdata.Catalog
	retry   retry.Policy
	limiter *ratelimit.Keyed
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(st store.Store, prices marketdata.PriceSource, catalog marketdata.Catalog, cfg Config, policy retry.Policy, logger zerolog.Logger) *Service {
	log := logger.With().Str("component", "orders").Logger()
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			metrics.ConflictRetries.WithLabelValues("orders").Inc()
			log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("transaction conflict, retrying")
		}
	}
	return &Service{
		store:   st,
		prices:  prices,
		catalog: catalog,
		retry:   policy,
		limiter: ratelimit.New(cfg.RatePerSecond, cfg.RateBurst),
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SweepRateLimits drops per-account order buckets idle for longer than idle.
func (s *Service) SweepRateLimits(idle time.Duration) int {
	return s.limiter.Sweep(idle)
}

type ExecuteRequest struct {
	Symbol    string           `json:"symbol"`
	OrderType types.OrderType  `json:"orderType"`
	Side      types.OrderSide  `json:"side"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stopPrice,omitempty"`
	// Leverage defaults to the account leverage when zero.
	Leverage       int    `json:"leverage,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type ExecutionOutcome struct {
	OrderID        string            `json:"orderId"`
	PositionID     string            `json:"positionId"`
	Symbol         string            `json:"symbol"`
	Side           types.OrderSide   `json:"side"`
	Quantity       decimal.Decimal   `json:"quantity"`
	Leverage       int               `json:"leverage"`
	FillPrice      decimal.Decimal   `json:"fillPrice"`
	Commission     decimal.Decimal   `json:"commission"`
	MarginRequired decimal.Decimal   `json:"marginRequired"`
	NewBalance     decimal.Decimal   `json:"newBalance"`
	NewMarginLevel types.MarginLevel `json:"newMarginLevel"`
	Status         types.OrderStatus `json:"status"`
	ExecutedAt     time.Time         `json:"executedAt"`

	// Replayed is set when the outcome was served from a consumed idempotency key.
	Replayed bool `json:"-"`
	// Raw is the stored encoding; every call for one key returns the same bytes.
	Raw json.RawMessage `json:"-"`
}

// ExecuteOrder opens a position. Preconditions are checked in a fixed order and
// the first failure is returned. A key already consumed with the same request
// returns the stored outcome without executing again.
func (s *Service) ExecuteOrder(ctx context.Context, accountID string, req ExecuteRequest) (out ExecutionOutcome, err error) {
	start := time.Now()
	defer func() { s.observe("execute", start, err) }()

	req.Symbol = marketdata.NormalizeSymbol(req.Symbol)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := validateExecute(req); err != nil {
		return out, err
	}
	fp := orderFingerprint(req)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		acc   model.Account
		prior *model.IdempotencyRecord
		call  *model.MarginCallEvent
	)
	err = s.store.Read(ctx, accountID, func(tx store.Tx) error {
		a, err := tx.Accounts().Get(ctx)
		if err != nil {
			return err
		}
		acc = a
		rec, err := tx.Idempotency().Get(ctx, req.IdempotencyKey)
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
		return nil
	})
	if err != nil {
		return out, s.txError(ctx, err)
	}

	if !acc.Active() {
		return out, newError(CodeAccountInactive, "account is not active")
	}
	if !acc.KYCApproved {
		return out, newError(CodeKYCRequired, "identity verification is required before trading")
	}
	inst, err := s.catalog.Instrument(ctx, req.Symbol)
	if errors.Is(err, marketdata.ErrUnknownSymbol) {
		return out, newError(CodeInvalidSymbol, "unknown symbol "+req.Symbol)
	}
	if err != nil {
		return out, wrapError(CodePersistence, "instrument lookup failed", err)
	}
	if !inst.Tradable() {
		return out, newError(CodeMarketClosed, "market is closed for "+req.Symbol)
	}
	if req.Quantity.LessThan(inst.MinQty) || req.Quantity.GreaterThan(inst.MaxQty) {
		return out, newError(CodeQuantityOutOfRange, fmt.Sprintf("quantity must be between %s and %s", inst.MinQty, inst.MaxQty))
	}
	allowed := acc.Leverage
	if allowed < 1 {
		allowed = 1
	}
	leverage := req.Leverage
	if leverage == 0 {
		leverage = allowed
	}
	if leverage > allowed || (inst.MaxLeverage > 0 && leverage > inst.MaxLeverage) {
		return out, newError(CodeLeverageExceeded, fmt.Sprintf("leverage %d exceeds the allowed maximum", leverage))
	}
	if prior != nil {
		return replayExecution(*prior, fp)
	}
	if !s.limiter.Allow(accountID) {
		return out, newError(CodeRateLimited, "too many orders, slow down")
	}
	if call != nil && call.Severity.Rank() >= types.SeverityStandard.Rank() {
		return out, newError(CodeValidation, "account in margin call: close-only mode")
	}

	mid, err := s.price(ctx, req.Symbol)
	if err != nil {
		return out, err
	}
	fill := SlippedPrice(req.Side, decimal.NewFromFloat(mid), s.cfg.Slippage)
	if err := executable(req, decimal.NewFromFloat(mid), fill); err != nil {
		return out, err
	}

	var body []byte
	replayed := false
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		body, replayed = nil, false
		return s.store.Atomic(ctx, accountID, func(tx store.Tx) error {
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
			body, err = s.open(ctx, tx, req, inst, leverage, mid, fill, fp)
			return err
		})
	})
	if err != nil {
		return out, s.txError(ctx, err)
	}
	out, err = decodeExecution(body)
	if err != nil {
		return out, err
	}
	out.Replayed = replayed
	if !replayed {
		s.log.Info().Str("account_id", accountID).Str("order_id", out.OrderID).Str("symbol", out.Symbol).
			Str("fill_price", out.FillPrice.String()).Str("margin", out.MarginRequired.String()).Msg("order filled")
	}
	return out, nil
}

func (s *Service) open(ctx context.Context, tx store.Tx, req ExecuteRequest, inst marketdata.Instrument, leverage int, mid float64, fill decimal.Decimal, fp string) ([]byte, error) {
	acc, err := tx.Accounts().Get(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := tx.Positions().ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	prices := s.markPrices(ctx, positions)
	prices[req.Symbol] = mid
	before := pnl.ComputePortfolio(acc, positions, prices)

	mult := inst.ContractMultiplier
	if !mult.GreaterThan(decimal.Zero) {
		mult = decimal.NewFromInt(1)
	}
	notional := req.Quantity.Mul(fill).Mul(mult)
	margin := notional.Div(decimal.NewFromInt(int64(leverage))).Round(moneyPlaces)
	commission := notional.Mul(s.cfg.CommissionRate).Round(moneyPlaces)

	if acc.Balance.LessThan(commission) {
		return nil, newError(CodeInsufficientBalance, "insufficient balance to cover commission, deposit funds")
	}
	if before.FreeMargin.Sub(commission).LessThan(margin) {
		return nil, newError(CodeInsufficientMargin, "insufficient margin, reduce size or deposit")
	}

	now := s.now()
	order := model.Order{
		ID:             uuid.NewString(),
		AccountID:      acc.ID,
		Symbol:         req.Symbol,
		Type:           req.OrderType,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Status:         types.OrderStatusFilled,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		FilledAt:       &now,
	}
	pos := model.Position{
		ID:                 uuid.NewString(),
		AccountID:          acc.ID,
		Symbol:             req.Symbol,
		Side:               types.PositionSideFor(req.Side),
		Quantity:           req.Quantity,
		EntryPrice:         fill,
		CurrentPrice:       decimal.NewFromFloat(mid),
		MarginUsed:         margin,
		ContractMultiplier: mult,
		Leverage:           leverage,
		Status:             types.PositionStatusOpen,
		OpenOrderID:        order.ID,
		OpenedAt:           now,
	}
	order.PositionID = pos.ID
	if err := tx.Orders().Insert(ctx, order); err != nil {
		return nil, err
	}
	if err := tx.Positions().Insert(ctx, pos); err != nil {
		return nil, err
	}
	if err := tx.Fills().Insert(ctx, model.Fill{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		AccountID:  acc.ID,
		PositionID: pos.ID,
		Quantity:   req.Quantity,
		Price:      fill,
		Commission: commission,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}
	if _, err := ledger.Post(ctx, tx, &acc, types.LedgerEntryTypeCommission, commission.Neg(), order.ID, now); err != nil {
		return nil, err
	}
	acc.MarginUsed = acc.MarginUsed.Add(margin)
	after := pnl.ComputePortfolio(acc, append(positions, pos), prices)
	acc.Equity = after.Equity
	acc.UpdatedAt = now
	if err := tx.Accounts().Update(ctx, acc); err != nil {
		return nil, err
	}

	body, err := json.Marshal(ExecutionOutcome{
		OrderID:        order.ID,
		PositionID:     pos.ID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Leverage:       leverage,
		FillPrice:      fill,
		Commission:     commission,
		MarginRequired: margin,
		NewBalance:     acc.Balance,
		NewMarginLevel: after.MarginLevel,
		Status:         types.OrderStatusFilled,
		ExecutedAt:     now,
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

// Portfolio returns the account's open positions marked at current prices.
func (s *Service) Portfolio(ctx context.Context, accountID string) (pnl.Portfolio, error) {
	var (
		acc       model.Account
		positions []model.Position
	)
	err := s.store.Read(ctx, accountID, func(tx store.Tx) error {
		var err error
		if acc, err = tx.Accounts().Get(ctx); err != nil {
			return err
		}
		positions, err = tx.Positions().ListOpen(ctx)
		return err
	})
	if err != nil {
		return pnl.Portfolio{}, s.txError(ctx, err)
	}
	return pnl.ComputePortfolio(acc, positions, s.markPrices(ctx, positions)), nil
}

func (s *Service) markPrices(ctx context.Context, positions []model.Position) map[string]float64 {
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	prices, missing := marketdata.Prices(ctx, s.prices, symbols)
	if len(missing) > 0 {
		s.log.Debug().Strs("symbols", missing).Msg("marking with stored prices")
	}
	return prices
}

func (s *Service) price(ctx context.Context, symbol string) (float64, error) {
	p, err := s.prices.GetPrice(ctx, symbol)
	if err != nil {
		return 0, wrapError(CodePriceUnavailable, "no current price for "+symbol, err)
	}
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		s.log.Warn().Str("symbol", symbol).Float64("price", p).Msg("rejecting bad market price")
		return 0, newError(CodePriceUnavailable, "no valid price for "+symbol)
	}
	return p, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *Service) txError(ctx context.Context, err error) error {
	var oe *OrderError
	switch {
	case errors.As(err, &oe):
		return oe
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return wrapError(CodeTimeout, "order timed out before confirmation; retry with the same idempotency key", err)
	case store.IsRetryable(err):
		return wrapError(CodeConflict, "account is busy, retry", err)
	case store.IsNotFound(err):
		return wrapError(CodeAccountInactive, "account not found", err)
	}
	s.log.Error().Err(err).Msg("order transaction failed")
	return wrapError(CodePersistence, "order could not be stored", err)
}

func (s *Service) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = CodeOf(err)
	}
	metrics.OrdersTotal.WithLabelValues(op, result).Inc()
	metrics.OrderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SlippedPrice moves price against the side taking liquidity: buys pay more, sells receive less.
func SlippedPrice(side types.OrderSide, price, slippage decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == types.OrderSideBuy {
		return price.Mul(one.Add(slippage)).Round(moneyPlaces)
	}
	return price.Mul(one.Sub(slippage)).Round(moneyPlaces)
}

func validateExecute(req ExecuteRequest) error {
	switch {
	case req.Symbol == "":
		return newError(CodeValidation, "symbol is required")
	case req.IdempotencyKey == "":
		return newError(CodeValidation, "idempotencyKey is required")
	case len(req.IdempotencyKey) > 128:
		return newError(CodeValidation, "idempotencyKey is too long")
	case req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell:
		return newError(CodeValidation, "side must be buy or sell")
	case !req.Quantity.GreaterThan(decimal.Zero):
		return newError(CodeValidation, "quantity must be positive")
	case req.Leverage < 0:
		return newError(CodeValidation, "leverage must be positive")
	}
	switch req.OrderType {
	case types.OrderTypeMarket:
		if req.Price != nil || req.StopPrice != nil {
			return newError(CodeValidation, "price is not allowed for market orders")
		}
	case types.OrderTypeLimit:
		if req.Price == nil || !req.Price.GreaterThan(decimal.Zero) {
			return newError(CodeValidation, "positive price is required for limit orders")
		}
	case types.OrderTypeStop:
		if req.StopPrice == nil || !req.StopPrice.GreaterThan(decimal.Zero) {
			return newError(CodeValidation, "positive stopPrice is required for stop orders")
		}
	case types.OrderTypeStopLimit:
		if req.Price == nil || !req.Price.GreaterThan(decimal.Zero) || req.StopPrice == nil || !req.StopPrice.GreaterThan(decimal.Zero) {
			return newError(CodeValidation, "positive price and stopPrice are required for stop_limit orders")
		}
	default:
		return newError(CodeValidation, "orderType must be market, limit, stop or stop_limit")
	}
	return nil
}

// executable accepts non-market orders only when they would fill right now.
// There is no resting order book.
func executable(req ExecuteRequest, mid, fill decimal.Decimal) error {
	buy := req.Side == types.OrderSideBuy
	if req.StopPrice != nil {
		triggered := (buy && mid.GreaterThanOrEqual(*req.StopPrice)) || (!buy && mid.LessThanOrEqual(*req.StopPrice))
		if !triggered {
			return newError(CodeValidation, "stop price not reached; resting orders are not supported")
		}
	}
	if req.Price != nil && (req.OrderType == types.OrderTypeLimit || req.OrderType == types.OrderTypeStopLimit) {
		within := (buy && fill.LessThanOrEqual(*req.Price)) || (!buy && fill.GreaterThanOrEqual(*req.Price))
		if !within {
			return newError(CodeValidation, "limit price not marketable; resting orders are not supported")
		}
	}
	return nil
}

func orderFingerprint(req ExecuteRequest) string {
	return fingerprint("order", req.Symbol, string(req.OrderType), string(req.Side), req.Quantity.String(),
		optional(req.Price), optional(req.StopPrice), strconv.Itoa(req.Leverage))
}

func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func optional(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func replayExecution(rec model.IdempotencyRecord, fp string) (ExecutionOutcome, error) {
	if rec.Fingerprint != fp {
		return ExecutionOutcome{}, newError(CodeIdempotencyReused, "idempotency key was already used for a different request")
	}
	out, err := decodeExecution(rec.Outcome)
	if err != nil {
		return out, err
	}
	out.Replayed = true
	return out, nil
}

func decodeExecution(body []byte) (ExecutionOutcome, error) {
	var out ExecutionOutcome
	if err := json.Unmarshal(body, &out); err != nil {
		return out, wrapError(CodePersistence, "stored outcome is unreadable", err)
	}
	out.Raw = append(json.RawMessage(nil), body...)
	return out, nil
}
