// Package liquidation force-closes the positions of an account below its stop-out level.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lv-margin/internal/audit"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/metrics"
	"lv-margin/internal/model"
	"lv-margin/internal/notify"
	"lv-margin/internal/orders"
	"lv-margin/internal/pnl"
	"lv-margin/internal/retry"
	"lv-margin/internal/store"
	"lv-margin/internal/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	ReasonStopOut = "stop_out"
	ReasonManual  = "manual"
)

// PositionCloser is the atomic close primitive of the order core.
type PositionCloser interface {
	ClosePositionAtomic(ctx context.Context, req orders.CloseRequest) (orders.CloseOutcome, error)
}

// ErrMarginCallMismatch rejects a trigger naming a margin call that is not the
// account's active one.
var ErrMarginCallMismatch = errors.New("margin call is not active for this account")

type Config struct {
	BaseSlippage       decimal.Decimal
	SlippageMultiplier decimal.Decimal
}

// EnhancedSlippage is the penalty fraction applied to liquidation prices.
func (c Config) EnhancedSlippage() decimal.Decimal {
	return c.BaseSlippage.Mul(c.SlippageMultiplier)
}

type Engine struct {
	store    store.Store
	prices   marketdata.PriceSource
	closer   PositionCloser
	notifier notify.Notifier
	journal  audit.Recorder
	retry    retry.Policy
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

func NewEngine(st store.Store, prices marketdata.PriceSource, closer PositionCloser, notifier notify.Notifier, journal audit.Recorder, cfg Config, policy retry.Policy, logger zerolog.Logger) *Engine {
	log := logger.With().Str("component", "liquidation").Logger()
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			metrics.ConflictRetries.WithLabelValues("liquidation").Inc()
			log.Warn().Err(err).Int("attempt", attempt).Msg("liquidation write conflict, retrying")
		}
	}
	return &Engine{
		store:    st,
		prices:   prices,
		closer:   closer,
		notifier: notifier,
		journal:  journal,
		retry:    policy,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type Request struct {
	AccountID         string `json:"accountId"`
	MarginCallEventID string `json:"marginCallEventId,omitempty"`
	Reason            string `json:"reason"`
	// Manual triggers proceed after a partial liquidation; automatic ones do not.
	Manual bool `json:"-"`
}

type Result struct {
	Event model.LiquidationEvent
	// Started is false when the trigger was absorbed by an existing event.
	Started bool
}

// TriggerAuto is the monitor's entry point on a CRITICAL account.
func (e *Engine) TriggerAuto(ctx context.Context, accountID, marginCallEventID string) (model.LiquidationEvent, error) {
	res, err := e.Trigger(ctx, Request{AccountID: accountID, MarginCallEventID: marginCallEventID, Reason: ReasonStopOut})
	return res.Event, err
}

// Trigger liquidates the account. While an initiated or processing event exists
// the call is a no-op returning that event. The event snapshot is stored before
// any position is touched.
func (e *Engine) Trigger(ctx context.Context, req Request) (Result, error) {
	if req.AccountID == "" {
		return Result{}, errors.New("account id is required")
	}
	if req.Reason == "" {
		req.Reason = ReasonStopOut
		if req.Manual {
			req.Reason = ReasonManual
		}
	}

	var (
		open      *model.LiquidationEvent
		positions []model.Position
	)
	err := e.store.Read(ctx, req.AccountID, func(tx store.Tx) error {
		ev, err := tx.Liquidations().Open(ctx)
		if err == nil {
			open = &ev
			return nil
		}
		if !store.IsNotFound(err) {
			return err
		}
		positions, err = tx.Positions().ListOpen(ctx)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if open != nil {
		return Result{Event: *open}, nil
	}
	prices, missing := marketdata.Prices(ctx, e.prices, symbolsOf(positions))
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: %s", marketdata.ErrPriceUnavailable, strings.Join(missing, ","))
	}

	var (
		ev       model.LiquidationEvent
		started  bool
		snapshot map[string]model.Position
	)
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		started = false
		return e.store.Atomic(ctx, req.AccountID, func(tx store.Tx) error {
			existing, err := tx.Liquidations().Open(ctx)
			if err == nil {
				ev = existing
				return nil
			}
			if !store.IsNotFound(err) {
				return err
			}
			mcID, err := activeMarginCall(ctx, tx, req.MarginCallEventID)
			if err != nil {
				return err
			}
			// A partial liquidation blocks automatic retries within its own margin call only.
			if !req.Manual {
				latest, err := tx.Liquidations().Latest(ctx)
				if err == nil && latest.Status == types.LiquidationStatusPartial && latest.MarginCallEventID == mcID {
					ev = latest
					return nil
				}
				if err != nil && !store.IsNotFound(err) {
					return err
				}
			}
			acc, err := tx.Accounts().Get(ctx)
			if err != nil {
				return err
			}
			live, err := tx.Positions().ListOpen(ctx)
			if err != nil {
				return err
			}
			pf := pnl.ComputePortfolio(acc, live, prices)
			now := e.now()
			ev = model.LiquidationEvent{
				ID:                   uuid.NewString(),
				AccountID:            req.AccountID,
				MarginCallEventID:    mcID,
				Reason:               req.Reason,
				Status:               types.LiquidationStatusInitiated,
				InitialEquity:        pf.Equity,
				InitialMarginLevel:   pf.MarginLevel,
				BaseSlippage:         e.cfg.BaseSlippage,
				SlippageMultiplier:   e.cfg.SlippageMultiplier,
				PositionIDs:          Order(live, pf),
				ClosedPositions:      []model.ClosedPosition{},
				FailedPositions:      []model.FailedPosition{},
				TotalLossRealized:    decimal.Zero,
				TotalSlippageApplied: decimal.Zero,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			snapshot = make(map[string]model.Position, len(live))
			for _, p := range live {
				snapshot[p.ID] = p
			}
			started = true
			return tx.Liquidations().Insert(ctx, ev)
		})
	})
	if err != nil {
		return Result{}, err
	}
	if !started {
		if ev.Status == types.LiquidationStatusPartial {
			e.log.Warn().Str("account_id", req.AccountID).Str("liquidation_id", ev.ID).
				Msg("previous liquidation ended partial; automatic trigger skipped, operator action required")
		}
		return Result{Event: ev}, nil
	}
	e.log.Warn().Str("account_id", req.AccountID).Str("liquidation_id", ev.ID).Str("reason", req.Reason).
		Str("margin_level", ev.InitialMarginLevel.String()).Int("positions", len(ev.PositionIDs)).Msg("liquidation started")

	final, err := e.process(ctx, ev, snapshot, prices)
	return Result{Event: final, Started: true}, err
}

// activeMarginCall resolves the margin call a new event links to. A requested id
// must be the account's active call; an empty one adopts the active call if any.
func activeMarginCall(ctx context.Context, tx store.Tx, requested string) (string, error) {
	mc, err := tx.MarginCalls().Active(ctx)
	switch {
	case err == nil:
		if requested != "" && requested != mc.ID {
			return "", fmt.Errorf("%w: %s", ErrMarginCallMismatch, requested)
		}
		return mc.ID, nil
	case store.IsNotFound(err):
		if requested != "" {
			return "", fmt.Errorf("%w: %s", ErrMarginCallMismatch, requested)
		}
		return "", nil
	default:
		return "", err
	}
}

// Resume continues an event left initiated or processing, for example after a crash.
// Positions closed before the interruption are replayed through their idempotency keys.
func (e *Engine) Resume(ctx context.Context, id string) (model.LiquidationEvent, error) {
	ev, err := e.store.Liquidation(ctx, id)
	if err != nil {
		return ev, err
	}
	if ev.Status.Terminal() {
		return ev, nil
	}
	snapshot := make(map[string]model.Position, len(ev.PositionIDs))
	err = e.store.Read(ctx, ev.AccountID, func(tx store.Tx) error {
		for _, pid := range ev.PositionIDs {
			p, err := tx.Positions().Get(ctx, pid)
			if err != nil {
				return fmt.Errorf("position %s: %w", pid, err)
			}
			snapshot[pid] = p
		}
		return nil
	})
	if err != nil {
		return ev, err
	}
	var symbols []string
	for _, p := range snapshot {
		if p.Open() {
			symbols = append(symbols, p.Symbol)
		}
	}
	prices, missing := marketdata.Prices(ctx, e.prices, symbols)
	if len(missing) > 0 {
		return ev, fmt.Errorf("%w: %s", marketdata.ErrPriceUnavailable, strings.Join(missing, ","))
	}
	e.log.Warn().Str("account_id", ev.AccountID).Str("liquidation_id", ev.ID).Msg("resuming liquidation")
	return e.process(ctx, ev, snapshot, prices)
}

func (e *Engine) Get(ctx context.Context, id string) (model.LiquidationEvent, error) {
	return e.store.Liquidation(ctx, id)
}

func (e *Engine) process(ctx context.Context, ev model.LiquidationEvent, snapshot map[string]model.Position, prices map[string]float64) (model.LiquidationEvent, error) {
	if ev.Status == types.LiquidationStatusInitiated {
		ev.Status = types.LiquidationStatusProcessing
		if err := e.save(ctx, &ev); err != nil {
			return ev, err
		}
	}

	done := make(map[string]bool, len(ev.PositionIDs))
	for _, c := range ev.ClosedPositions {
		done[c.PositionID] = true
	}
	for _, f := range ev.FailedPositions {
		done[f.PositionID] = true
	}

	slip := e.cfg.EnhancedSlippage()
	for _, pid := range ev.PositionIDs {
		if done[pid] {
			continue
		}
		pos := snapshot[pid]
		closed, err := e.closeOne(ctx, ev, pos, prices, slip)
		if err != nil {
			metrics.LiquidationPositions.WithLabelValues("failed").Inc()
			e.log.Error().Err(err).Str("account_id", ev.AccountID).Str("liquidation_id", ev.ID).Str("position_id", pid).Msg("liquidation close failed")
			ev.FailedPositions = append(ev.FailedPositions, model.FailedPosition{PositionID: pid, Symbol: pos.Symbol, Error: err.Error()})
		} else {
			metrics.LiquidationPositions.WithLabelValues("closed").Inc()
			ev.ClosedPositions = append(ev.ClosedPositions, closed)
			if closed.RealizedPnL.IsNegative() {
				ev.TotalLossRealized = ev.TotalLossRealized.Add(closed.RealizedPnL.Neg())
			}
			ev.TotalSlippageApplied = ev.TotalSlippageApplied.Add(closed.SlippageCost)
		}
		if err := e.save(ctx, &ev); err != nil {
			return ev, err
		}
	}

	level, err := e.finalLevel(ctx, ev.AccountID)
	if err != nil {
		return ev, err
	}
	now := e.now()
	ev.FinalMarginLevel = &level
	ev.CompletedAt = &now
	ev.Status = types.LiquidationStatusCompleted
	if len(ev.FailedPositions) > 0 {
		ev.Status = types.LiquidationStatusPartial
	}
	if err := e.save(ctx, &ev); err != nil {
		return ev, err
	}
	e.finish(ctx, ev)
	return ev, nil
}

func (e *Engine) closeOne(ctx context.Context, ev model.LiquidationEvent, pos model.Position, captured map[string]float64, slip decimal.Decimal) (model.ClosedPosition, error) {
	if pos.ID == "" {
		return model.ClosedPosition{}, errors.New("position missing from snapshot")
	}
	ref, ok := captured[pos.Symbol]
	if live, err := e.prices.GetPrice(ctx, pos.Symbol); err == nil && live > 0 {
		ref, ok = live, true
	}
	if !ok {
		return model.ClosedPosition{}, marketdata.ErrPriceUnavailable
	}
	reference := decimal.NewFromFloat(ref)
	price := LiquidationPrice(pos.Side, reference, slip)
	out, err := e.closer.ClosePositionAtomic(ctx, orders.CloseRequest{
		AccountID:      ev.AccountID,
		PositionID:     pos.ID,
		Price:          price,
		IdempotencyKey: CloseKey(ev.ID, pos.ID),
		Reason:         types.CloseReasonLiquidation,
	})
	if err != nil {
		return model.ClosedPosition{}, err
	}
	return model.ClosedPosition{
		PositionID:       pos.ID,
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		Quantity:         out.ClosedQuantity,
		ReferencePrice:   reference,
		LiquidationPrice: out.ClosePrice,
		RealizedPnL:      out.RealizedPnL,
		SlippageCost:     reference.Sub(out.ClosePrice).Abs().Mul(out.ClosedQuantity).Mul(pos.Multiplier()).Round(8),
		OrderID:          out.OrderID,
	}, nil
}

func (e *Engine) finalLevel(ctx context.Context, accountID string) (types.MarginLevel, error) {
	var (
		acc       model.Account
		positions []model.Position
	)
	err := e.store.Read(ctx, accountID, func(tx store.Tx) error {
		var err error
		if acc, err = tx.Accounts().Get(ctx); err != nil {
			return err
		}
		positions, err = tx.Positions().ListOpen(ctx)
		return err
	})
	if err != nil {
		return types.MarginLevel{}, err
	}
	prices, _ := marketdata.Prices(ctx, e.prices, symbolsOf(positions))
	return pnl.ComputePortfolio(acc, positions, prices).MarginLevel, nil
}

func (e *Engine) save(ctx context.Context, ev *model.LiquidationEvent) error {
	ev.UpdatedAt = e.now()
	return e.retry.Do(ctx, func(ctx context.Context) error {
		return e.store.Atomic(ctx, ev.AccountID, func(tx store.Tx) error {
			return tx.Liquidations().Update(ctx, *ev)
		})
	})
}

// finish reports the outcome. A partial result is an operator problem and is never retried here.
func (e *Engine) finish(ctx context.Context, ev model.LiquidationEvent) {
	metrics.LiquidationsTotal.WithLabelValues(string(ev.Status)).Inc()
	summary := Summarize(ev)
	kind, typ := audit.KindLiquidationCompleted, notify.TypeLiquidationDone
	if ev.Status == types.LiquidationStatusPartial {
		kind, typ = audit.KindLiquidationPartial, notify.TypeLiquidationPartial
		e.log.Error().Str("account_id", ev.AccountID).Str("liquidation_id", ev.ID).Int("failed", len(ev.FailedPositions)).
			Msg("liquidation partial: account remains exposed, manual follow-up required")
	} else {
		e.log.Info().Str("account_id", ev.AccountID).Str("liquidation_id", ev.ID).Int("closed", len(ev.ClosedPositions)).
			Str("final_margin_level", summary.FinalMarginLevel.String()).Msg("liquidation completed")
	}
	e.notifier.Notify(ev.AccountID, typ, summary)
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Record(ctx, kind, ev.AccountID, ev.ID, ev); err != nil {
		e.log.Error().Err(err).Str("liquidation_id", ev.ID).Msg("audit record failed")
	}
}

// LiquidationPrice moves reference against the position: longs sell lower, shorts buy higher.
func LiquidationPrice(side types.PositionSide, reference, slippage decimal.Decimal) decimal.Decimal {
	return orders.SlippedPrice(side.Opposite(), reference, slippage)
}

// CloseKey is the per-position idempotency key; retries of one event never close a position twice.
func CloseKey(eventID, positionID string) string {
	return "liq:" + eventID + ":" + positionID
}

// Order returns position ids by unrealized P&L ascending, worst loss first.
// Ties go to the older position, then to the lower id.
func Order(positions []model.Position, pf pnl.Portfolio) []string {
	byID := make(map[string]decimal.Decimal, len(pf.Positions))
	for _, p := range pf.Positions {
		byID[p.PositionID] = p.UnrealizedPnL
	}
	sorted := append([]model.Position(nil), positions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := byID[sorted[i].ID], byID[sorted[j].ID]
		if !a.Equal(b) {
			return a.LessThan(b)
		}
		if !sorted[i].OpenedAt.Equal(sorted[j].OpenedAt) {
			return sorted[i].OpenedAt.Before(sorted[j].OpenedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	ids := make([]string, len(sorted))
	for i, p := range sorted {
		ids[i] = p.ID
	}
	return ids
}

func symbolsOf(positions []model.Position) []string {
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.Symbol)
	}
	return out
}

// Summary is the executeLiquidation response and notification payload.
type Summary struct {
	LiquidationEventID   string                  `json:"liquidationEventId"`
	AccountID            string                  `json:"accountId"`
	Status               types.LiquidationStatus `json:"status"`
	PositionsClosed      int                     `json:"positionsClosed"`
	PositionsFailed      int                     `json:"positionsFailed"`
	InitialMarginLevel   types.MarginLevel       `json:"initialMarginLevel"`
	FinalMarginLevel     *types.MarginLevel      `json:"finalMarginLevel"`
	TotalLossRealized    decimal.Decimal         `json:"totalLossRealized"`
	TotalSlippageApplied decimal.Decimal         `json:"totalSlippageApplied"`
	ClosedPositions      []model.ClosedPosition  `json:"closedPositions"`
	FailedPositions      []model.FailedPosition  `json:"failedPositions"`
}

func Summarize(ev model.LiquidationEvent) Summary {
	s := Summary{
		LiquidationEventID:   ev.ID,
		AccountID:            ev.AccountID,
		Status:               ev.Status,
		PositionsClosed:      len(ev.ClosedPositions),
		PositionsFailed:      len(ev.FailedPositions),
		InitialMarginLevel:   ev.InitialMarginLevel,
		FinalMarginLevel:     ev.FinalMarginLevel,
		TotalLossRealized:    ev.TotalLossRealized,
		TotalSlippageApplied: ev.TotalSlippageApplied,
		ClosedPositions:      ev.ClosedPositions,
		FailedPositions:      ev.FailedPositions,
	}
	if s.ClosedPositions == nil {
		s.ClosedPositions = []model.ClosedPosition{}
	}
	if s.FailedPositions == nil {
		s.FailedPositions = []model.FailedPosition{}
	}
	return s
}
