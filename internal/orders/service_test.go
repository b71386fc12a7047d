package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"lv-margin/internal/ledger"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/model"
	"lv-margin/internal/retry"
	"lv-margin/internal/store"
	"lv-margin/internal/store/memory"
	"lv-margin/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	book  *marketdata.QuoteBook
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func newFixture(t *testing.T, mutate func(acc *model.Account, cfg *Config)) fixture {
	t.Helper()
	acc := model.Account{
		ID:             "acc-1",
		UserID:         "user-1",
		Status:         types.AccountStatusActive,
		KYCApproved:    true,
		Balance:        d("10000"),
		InitialBalance: d("10000"),
		Equity:         d("10000"),
		Leverage:       10,
		RiskProfile:    "standard",
	}
	cfg := Config{
		Slippage:       d("0.0005"),
		CommissionRate: d("0.0001"),
		RatePerSecond:  1000,
		RateBurst:      1000,
		Timeout:        2 * time.Second,
	}
	if mutate != nil {
		mutate(&acc, &cfg)
	}
	st := memory.New()
	require.NoError(t, st.CreateAccount(context.Background(), acc))

	book := marketdata.NewQuoteBook(nil, 0)
	require.NoError(t, book.Set("BTCUSD", 100, 100))
	catalog := marketdata.NewStaticCatalog([]marketdata.Instrument{
		{Symbol: "BTCUSD", MinQty: d("0.01"), MaxQty: d("100"), ContractMultiplier: d("1"), MaxLeverage: 20, Status: marketdata.InstrumentActive},
		{Symbol: "ETHUSD", MinQty: d("0.01"), MaxQty: d("100"), ContractMultiplier: d("1"), MaxLeverage: 20, Status: marketdata.InstrumentActive},
		{Symbol: "XAUUSD", MinQty: d("0.01"), MaxQty: d("100"), ContractMultiplier: d("1"), MaxLeverage: 20, Status: marketdata.InstrumentHalted},
	})
	policy := retry.Default()
	policy.InitialDelay = time.Millisecond
	svc := NewService(st, book, catalog, cfg, policy, zerolog.Nop())
	return fixture{svc: svc, store: st, book: book}
}

func marketBuy(key, qty string) ExecuteRequest {
	return ExecuteRequest{Symbol: "BTCUSD", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d(qty), IdempotencyKey: key}
}

func (f fixture) snapshot(t *testing.T) (model.Account, []model.Position, []model.LedgerEntry) {
	t.Helper()
	ctx := context.Background()
	var (
		acc       model.Account
		positions []model.Position
		entries   []model.LedgerEntry
	)
	require.NoError(t, f.store.Read(ctx, "acc-1", func(tx store.Tx) error {
		var err error
		if acc, err = tx.Accounts().Get(ctx); err != nil {
			return err
		}
		if positions, err = tx.Positions().ListOpen(ctx); err != nil {
			return err
		}
		entries, err = tx.Ledger().List(ctx)
		return err
	}))
	return acc, positions, entries
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, CodeOf(err), err.Error())
}

func TestExecuteOrderOpensPosition(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.svc.ExecuteOrder(context.Background(), "acc-1", marketBuy("k1", "2"))
	require.NoError(t, err)

	assert.Equal(t, "100.05", out.FillPrice.String())
	assert.Equal(t, "20.01", out.MarginRequired.String())
	assert.Equal(t, "0.02001", out.Commission.String())
	assert.Equal(t, "9999.97999", out.NewBalance.String())
	assert.Equal(t, types.OrderStatusFilled, out.Status)
	assert.Equal(t, 10, out.Leverage)
	assert.False(t, out.NewMarginLevel.Uncapped)
	assert.False(t, out.Replayed)

	acc, positions, entries := f.snapshot(t)
	require.Len(t, positions, 1)
	assert.Equal(t, types.PositionSideLong, positions[0].Side)
	assert.Equal(t, "100.05", positions[0].EntryPrice.String())
	assert.Equal(t, "20.01", acc.MarginUsed.String())
	require.Len(t, entries, 1)
	assert.Equal(t, types.LedgerEntryTypeCommission, entries[0].Type)
	require.NoError(t, ledger.Verify(entries, acc.InitialBalance, acc.Balance))
}

func TestExecuteOrderSellOpensShortBelowMid(t *testing.T) {
	f := newFixture(t, nil)
	req := marketBuy("k1", "1")
	req.Side = types.OrderSideSell
	out, err := f.svc.ExecuteOrder(context.Background(), "acc-1", req)
	require.NoError(t, err)
	assert.Equal(t, "99.95", out.FillPrice.String())

	_, positions, _ := f.snapshot(t)
	require.Len(t, positions, 1)
	assert.Equal(t, types.PositionSideShort, positions[0].Side)
}

func TestExecuteOrderIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "2"))
	require.NoError(t, err)
	require.NoError(t, f.book.Set("BTCUSD", 150, 150))
	second, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "2"))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, string(first.Raw), string(second.Raw))
	assert.Equal(t, first.OrderID, second.OrderID)

	_, positions, entries := f.snapshot(t)
	assert.Len(t, positions, 1)
	assert.Len(t, entries, 1)
}

func TestExecuteOrderKeyReusedForDifferentRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "2"))
	require.NoError(t, err)
	_, err = f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "3"))
	requireCode(t, err, CodeIdempotencyReused)
	assert.Equal(t, 409, StatusCode(CodeOf(err)))
}

func TestExecuteOrderPreconditionOrder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(acc *model.Account, cfg *Config)
		req    ExecuteRequest
		code   string
	}{
		{
			name:   "inactive account wins over unknown symbol",
			mutate: func(acc *model.Account, _ *Config) { acc.Status = types.AccountStatusSuspended },
			req:    ExecuteRequest{Symbol: "NOPE", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("1"), IdempotencyKey: "k"},
			code:   CodeAccountInactive,
		},
		{
			name:   "kyc",
			mutate: func(acc *model.Account, _ *Config) { acc.KYCApproved = false },
			req:    marketBuy("k", "1000"),
			code:   CodeKYCRequired,
		},
		{
			name: "unknown symbol wins over quantity",
			req:  ExecuteRequest{Symbol: "NOPE", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("1000"), IdempotencyKey: "k"},
			code: CodeInvalidSymbol,
		},
		{
			name: "halted market",
			req:  ExecuteRequest{Symbol: "XAUUSD", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("1"), IdempotencyKey: "k"},
			code: CodeMarketClosed,
		},
		{
			name: "quantity wins over leverage",
			req:  ExecuteRequest{Symbol: "BTCUSD", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("1000"), Leverage: 50, IdempotencyKey: "k"},
			code: CodeQuantityOutOfRange,
		},
		{
			name: "below minimum",
			req:  marketBuy("k", "0.001"),
			code: CodeQuantityOutOfRange,
		},
		{
			name: "leverage above account",
			req:  ExecuteRequest{Symbol: "BTCUSD", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("1"), Leverage: 15, IdempotencyKey: "k"},
			code: CodeLeverageExceeded,
		},
		{
			name:   "leverage above instrument",
			mutate: func(acc *model.Account, _ *Config) { acc.Leverage = 100 },
			req:    ExecuteRequest{Symbol: "BTCUSD", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("1"), Leverage: 50, IdempotencyKey: "k"},
			code:   CodeLeverageExceeded,
		},
		{
			name: "no price",
			req:  ExecuteRequest{Symbol: "ETHUSD", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("1"), IdempotencyKey: "k"},
			code: CodePriceUnavailable,
		},
		{
			name: "missing key",
			req:  marketBuy("", "1"),
			code: CodeValidation,
		},
		{
			name: "market with price",
			req:  ExecuteRequest{Symbol: "BTCUSD", OrderType: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("1"), Price: dp("100"), IdempotencyKey: "k"},
			code: CodeValidation,
		},
		{
			name: "non-positive quantity",
			req:  marketBuy("k", "0"),
			code: CodeValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate)
			_, err := f.svc.ExecuteOrder(context.Background(), "acc-1", tc.req)
			requireCode(t, err, tc.code)

			_, positions, entries := f.snapshot(t)
			assert.Empty(t, positions)
			assert.Empty(t, entries)
		})
	}
}

func TestReplayIsCheckedBeforeRateLimit(t *testing.T) {
	f := newFixture(t, func(_ *model.Account, cfg *Config) {
		cfg.RatePerSecond = 0.001
		cfg.RateBurst = 1
	})
	ctx := context.Background()
	_, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "1"))
	require.NoError(t, err)

	replay, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "1"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	_, err = f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k2", "1"))
	requireCode(t, err, CodeRateLimited)
	assert.Equal(t, 429, StatusCode(CodeRateLimited))
}

func TestSweepRateLimitsForgetsIdleAccounts(t *testing.T) {
	f := newFixture(t, func(_ *model.Account, cfg *Config) {
		cfg.RatePerSecond = 0.001
		cfg.RateBurst = 1
	})
	ctx := context.Background()
	_, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "1"))
	require.NoError(t, err)
	_, err = f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k2", "1"))
	requireCode(t, err, CodeRateLimited)

	assert.Zero(t, f.svc.SweepRateLimits(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, f.svc.SweepRateLimits(time.Millisecond))
	assert.Zero(t, f.svc.limiter.Len())

	_, err = f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k3", "1"))
	require.NoError(t, err)
}

func TestInsufficientMarginRollsBack(t *testing.T) {
	f := newFixture(t, func(acc *model.Account, _ *Config) {
		acc.Balance = d("100")
		acc.InitialBalance = d("100")
	})
	_, err := f.svc.ExecuteOrder(context.Background(), "acc-1", marketBuy("k1", "50"))
	requireCode(t, err, CodeInsufficientMargin)

	acc, positions, entries := f.snapshot(t)
	assert.Empty(t, positions)
	assert.Empty(t, entries)
	assert.Equal(t, "100", acc.Balance.String())
	assert.True(t, acc.MarginUsed.IsZero())

	// The key was not consumed by the rejected attempt.
	_, err = f.svc.ExecuteOrder(context.Background(), "acc-1", marketBuy("k1", "5"))
	require.NoError(t, err)
}

func TestInsufficientBalanceForCommission(t *testing.T) {
	f := newFixture(t, func(acc *model.Account, _ *Config) {
		acc.Balance = d("0.001")
		acc.InitialBalance = d("0.001")
	})
	_, err := f.svc.ExecuteOrder(context.Background(), "acc-1", marketBuy("k1", "100"))
	requireCode(t, err, CodeInsufficientBalance)
}

func TestCloseOnlyDuringMarginCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Atomic(ctx, "acc-1", func(tx store.Tx) error {
		return tx.MarginCalls().Insert(ctx, model.MarginCallEvent{
			ID:        "mc-1",
			AccountID: "acc-1",
			Severity:  types.SeverityStandard,
			Status:    types.MarginCallStatusNotified,
		})
	}))
	_, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "1"))
	requireCode(t, err, CodeValidation)
}

func TestLimitAndStopOrders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	limit := marketBuy("l1", "1")
	limit.OrderType = types.OrderTypeLimit
	limit.Price = dp("99")
	_, err := f.svc.ExecuteOrder(ctx, "acc-1", limit)
	requireCode(t, err, CodeValidation)

	limit.IdempotencyKey = "l2"
	limit.Price = dp("101")
	_, err = f.svc.ExecuteOrder(ctx, "acc-1", limit)
	require.NoError(t, err)

	stop := marketBuy("s1", "1")
	stop.OrderType = types.OrderTypeStop
	stop.StopPrice = dp("105")
	_, err = f.svc.ExecuteOrder(ctx, "acc-1", stop)
	requireCode(t, err, CodeValidation)

	stop.IdempotencyKey = "s2"
	stop.StopPrice = dp("95")
	_, err = f.svc.ExecuteOrder(ctx, "acc-1", stop)
	require.NoError(t, err)
}

func TestClosePositionPartialThenFull(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	opened, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("open", "2"))
	require.NoError(t, err)
	require.NoError(t, f.book.Set("BTCUSD", 110, 110))

	partial, err := f.svc.ClosePosition(ctx, "acc-1", opened.PositionID, UserCloseRequest{Quantity: dp("1"), IdempotencyKey: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "109.945", partial.ClosePrice.String())
	assert.Equal(t, "9.895", partial.RealizedPnL.String())
	assert.Equal(t, "10.005", partial.MarginReleased.String())
	assert.Equal(t, "1", partial.RemainingQuantity.String())
	assert.Equal(t, types.PositionStatusOpen, partial.PositionStatus)

	acc, positions, _ := f.snapshot(t)
	require.Len(t, positions, 1)
	assert.Equal(t, "1", positions[0].Quantity.String())
	assert.Equal(t, "10.005", acc.MarginUsed.String())

	full, err := f.svc.ClosePosition(ctx, "acc-1", opened.PositionID, UserCloseRequest{IdempotencyKey: "c2"})
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusClosed, full.PositionStatus)
	assert.True(t, full.NewMarginLevel.Uncapped)

	acc, positions, entries := f.snapshot(t)
	assert.Empty(t, positions)
	assert.True(t, acc.MarginUsed.IsZero())
	require.NoError(t, ledger.Verify(entries, acc.InitialBalance, acc.Balance))

	_, err = f.svc.ClosePosition(ctx, "acc-1", opened.PositionID, UserCloseRequest{IdempotencyKey: "c3"})
	requireCode(t, err, CodePositionClosed)
	_, err = f.svc.ClosePosition(ctx, "acc-1", "missing", UserCloseRequest{IdempotencyKey: "c4"})
	requireCode(t, err, CodePositionNotFound)
}

func TestClosePositionAtomicReplaysAtAnyPrice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	opened, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("open", "2"))
	require.NoError(t, err)

	req := CloseRequest{AccountID: "acc-1", PositionID: opened.PositionID, Price: d("90"), IdempotencyKey: "liq-1:" + opened.PositionID, Reason: types.CloseReasonLiquidation}
	first, err := f.svc.ClosePositionAtomic(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "-20.1", first.RealizedPnL.String())
	_, _, entries := f.snapshot(t)

	req.Price = d("80")
	second, err := f.svc.ClosePositionAtomic(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, string(first.Raw), string(second.Raw))

	acc, _, after := f.snapshot(t)
	assert.Len(t, after, len(entries))
	assert.Equal(t, types.LedgerEntryTypeLiquidation, after[1].Type)
	require.NoError(t, ledger.Verify(after, acc.InitialBalance, acc.Balance))
}

func TestCloseQuantityAbovePositionRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	opened, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("open", "2"))
	require.NoError(t, err)
	_, err = f.svc.ClosePosition(ctx, "acc-1", opened.PositionID, UserCloseRequest{Quantity: dp("3"), IdempotencyKey: "c1"})
	requireCode(t, err, CodeValidation)
}

func TestConcurrentOrdersSerializePerAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy(fmt.Sprintf("k%d", i), "1"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	acc, positions, entries := f.snapshot(t)
	assert.Len(t, positions, 20)
	assert.Len(t, entries, 20)
	assert.Equal(t, "200.1", acc.MarginUsed.String())
	require.NoError(t, ledger.Verify(entries, acc.InitialBalance, acc.Balance))
}

func TestCancelledContextIsTimeout(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "1"))
	requireCode(t, err, CodeTimeout)
	assert.Equal(t, 504, StatusCode(CodeTimeout))
}

func TestUnknownAccount(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.ExecuteOrder(context.Background(), "acc-404", marketBuy("k1", "1"))
	requireCode(t, err, CodeAccountInactive)
}

func TestPortfolioMarksOpenPositions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.ExecuteOrder(ctx, "acc-1", marketBuy("k1", "2"))
	require.NoError(t, err)
	require.NoError(t, f.book.Set("BTCUSD", 110, 110))

	p, err := f.svc.Portfolio(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, p.Positions, 1)
	assert.Equal(t, "19.9", p.TotalUnrealizedPnL.String())
	assert.Equal(t, "10019.87999", p.Equity.String())
}
