package margin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lv-margin/internal/config"
	"lv-margin/internal/liquidation"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/model"
	"lv-margin/internal/notify"
	"lv-margin/internal/orders"
	"lv-margin/internal/retry"
	"lv-margin/internal/store"
	"lv-margin/internal/store/memory"
	"lv-margin/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	types []string
	kinds []string
}

func (r *recorder) Notify(accountID, typ string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
}

func (r *recorder) Record(ctx context.Context, kind, accountID, ref string, payload any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return "", nil
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.types
	r.types = nil
	return out
}

type stubLiquidator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubLiquidator) TriggerAuto(ctx context.Context, accountID, marginCallEventID string) (model.LiquidationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, accountID)
	if s.err != nil {
		return model.LiquidationEvent{}, s.err
	}
	return model.LiquidationEvent{ID: "liq-" + accountID, Status: types.LiquidationStatusPartial}, nil
}

type fixture struct {
	store *memory.Store
	book  *marketdata.QuoteBook
	rec   *recorder
}

func newFixture(t *testing.T, accounts ...string) fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	for _, id := range accounts {
		require.NoError(t, st.CreateAccount(ctx, model.Account{
			ID:             id,
			UserID:         "user-" + id,
			Status:         types.AccountStatusActive,
			KYCApproved:    true,
			Balance:        decimal.NewFromInt(1000),
			InitialBalance: decimal.NewFromInt(1000),
			MarginUsed:     decimal.NewFromInt(500),
			Leverage:       10,
			RiskProfile:    config.DefaultProfile,
		}))
		require.NoError(t, st.PutPosition(ctx, model.Position{
			ID:                 "pos-" + id,
			AccountID:          id,
			Symbol:             "BTCUSD",
			Side:               types.PositionSideLong,
			Quantity:           decimal.NewFromInt(10),
			EntryPrice:         decimal.NewFromInt(100),
			MarginUsed:         decimal.NewFromInt(500),
			ContractMultiplier: decimal.NewFromInt(1),
			Leverage:           2,
			Status:             types.PositionStatusOpen,
			OpenedAt:           time.Now().UTC(),
		}))
	}
	return fixture{store: st, book: marketdata.NewQuoteBook(nil, 0), rec: &recorder{}}
}

func (f fixture) price(t *testing.T, px float64) {
	t.Helper()
	require.NoError(t, f.book.Set("BTCUSD", px, px))
}

func (f fixture) monitor(t *testing.T, liq Liquidator) *Monitor {
	t.Helper()
	profiles, err := ProfilesFromConfig(config.DefaultRiskFile())
	require.NoError(t, err)
	return NewMonitor(f.store, f.book, profiles, liq, f.rec, f.rec, 4, zerolog.Nop())
}

func (f fixture) activeCall(t *testing.T, accountID string) (model.MarginCallEvent, bool) {
	t.Helper()
	ctx := context.Background()
	var (
		ev    model.MarginCallEvent
		found bool
	)
	require.NoError(t, f.store.Read(ctx, accountID, func(tx store.Tx) error {
		var err error
		ev, err = tx.MarginCalls().Active(ctx)
		if store.IsNotFound(err) {
			return nil
		}
		found = err == nil
		return err
	}))
	return ev, found
}

func TestMonitorMarginCallLifecycle(t *testing.T) {
	f := newFixture(t, "acc-1")
	m := f.monitor(t, &stubLiquidator{})
	ctx := context.Background()

	// Level = (1000 + (price-100)*10) / 500 * 100.
	f.price(t, 100)
	rep, err := m.CheckAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeveritySafe, rep.RiskStatus)
	assert.Equal(t, "200.0000", rep.MarginLevel.String())
	assert.Empty(t, f.rec.take())

	f.price(t, 60)
	rep, err = m.CheckAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeverityWarning, rep.RiskStatus)
	assert.NotEmpty(t, rep.MarginCallEventID)
	assert.Equal(t, []string{notify.TypeMarginWarning}, f.rec.take())

	// Unchanged severity is not announced again.
	rep, err = m.CheckAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeverityWarning, rep.RiskStatus)
	assert.Empty(t, f.rec.take())

	f.price(t, 30)
	rep, err = m.CheckAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeverityUrgent, rep.RiskStatus)
	assert.Equal(t, []string{ThresholdWarning, ThresholdMarginCall, ThresholdUrgent}, rep.ViolatedThresholds)
	assert.Equal(t, []string{notify.TypeMarginCall, notify.TypeMarginCallUrgent}, f.rec.take())
	ev, ok := f.activeCall(t, "acc-1")
	require.True(t, ok)
	assert.Equal(t, types.MarginCallStatusEscalated, ev.Status)

	f.price(t, 55)
	rep, err = m.CheckAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeverityWarning, rep.RiskStatus)
	assert.Empty(t, f.rec.take())
	ev, ok = f.activeCall(t, "acc-1")
	require.True(t, ok)
	assert.Contains(t, ev.LeftAt, types.SeverityUrgent)

	f.price(t, 100)
	rep, err = m.CheckAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeveritySafe, rep.RiskStatus)
	assert.Empty(t, rep.MarginCallEventID)
	assert.Equal(t, []string{notify.TypeMarginResolved}, f.rec.take())
	_, ok = f.activeCall(t, "acc-1")
	assert.False(t, ok)

	var acc model.Account
	require.NoError(t, f.store.Read(ctx, "acc-1", func(tx store.Tx) error {
		var err error
		acc, err = tx.Accounts().Get(ctx)
		return err
	}))
	assert.Equal(t, "1000", acc.Equity.String())
	assert.Equal(t, []string{"margin_call_escalated", "margin_call_escalated", "margin_call_resolved"}, f.rec.kinds)
}

func TestMonitorCriticalTriggersLiquidation(t *testing.T) {
	f := newFixture(t, "acc-1")
	liq := &stubLiquidator{}
	m := f.monitor(t, liq)
	f.price(t, 20)

	rep, err := m.CheckAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeverityCritical, rep.RiskStatus)
	assert.Equal(t, "40.0000", rep.MarginLevel.String())
	assert.Equal(t, []string{"acc-1"}, liq.calls)
	assert.Equal(t, "liq-acc-1", rep.LiquidationEventID)
	assert.Equal(t, "partial", rep.LiquidationStatus)

	ev, ok := f.activeCall(t, "acc-1")
	require.True(t, ok)
	assert.Equal(t, "liq-acc-1", ev.LiquidationEventID)
}

func TestMonitorLiquidationErrorIsReported(t *testing.T) {
	f := newFixture(t, "acc-1")
	m := f.monitor(t, &stubLiquidator{err: errors.New("price unavailable")})
	f.price(t, 20)

	rep, err := m.CheckAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeverityCritical, rep.RiskStatus)
	assert.Equal(t, "price unavailable", rep.Error)
}

func TestMonitorUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.monitor(t, nil).CheckAccount(context.Background(), "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestMonitorHealthyAccountWithoutCall(t *testing.T) {
	f := newFixture(t, "acc-1")
	ctx := context.Background()
	require.NoError(t, f.store.CreateAccount(ctx, model.Account{
		ID:             "acc-empty",
		UserID:         "user-empty",
		Status:         types.AccountStatusActive,
		KYCApproved:    true,
		Balance:        decimal.NewFromInt(250),
		InitialBalance: decimal.NewFromInt(250),
		Leverage:       10,
		RiskProfile:    config.DefaultProfile,
	}))
	f.price(t, 100)
	m := f.monitor(t, nil)

	rep, err := m.CheckAccount(ctx, "acc-empty")
	require.NoError(t, err)
	assert.Equal(t, types.SeveritySafe, rep.RiskStatus)
	assert.True(t, rep.MarginLevel.Uncapped)
	assert.Empty(t, rep.ViolatedThresholds)
	assert.Empty(t, rep.MarginCallEventID)

	// A funded account with margin in use and no call is SAFE too.
	rep, err = m.CheckAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeveritySafe, rep.RiskStatus)
	assert.Equal(t, "200.0000", rep.MarginLevel.String())
	_, found := f.activeCall(t, "acc-1")
	assert.False(t, found)
	assert.Empty(t, f.rec.take())

	reports, err := m.RunPass(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Empty(t, r.Error, r.AccountID)
		assert.Equal(t, types.SeveritySafe, r.RiskStatus, r.AccountID)
	}

	w := httptest.NewRecorder()
	NewHandler(m).Check(w, httptest.NewRequest(http.MethodPost, "/api/risk/check", nil), "acc-empty")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "SAFE", body["riskStatus"])
	assert.Equal(t, "uncapped", body["marginLevel"])
}

func TestRunPassIsolatesAccounts(t *testing.T) {
	f := newFixture(t, "acc-a", "acc-b", "acc-c")
	liq := &stubLiquidator{err: errors.New("boom")}
	m := f.monitor(t, liq)
	f.price(t, 20)

	reports, err := m.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for i, id := range []string{"acc-a", "acc-b", "acc-c"} {
		assert.Equal(t, id, reports[i].AccountID)
		assert.Equal(t, types.SeverityCritical, reports[i].RiskStatus)
		assert.Equal(t, "boom", reports[i].Error)
	}
	assert.Len(t, liq.calls, 3)
}

func TestStopOutLiquidatesAndResolves(t *testing.T) {
	f := newFixture(t, "acc-1")
	policy := retry.Default()
	policy.InitialDelay = time.Millisecond
	svc := orders.NewService(f.store, f.book, marketdata.NewStaticCatalog(nil), orders.Config{
		Slippage:       decimal.RequireFromString("0.0005"),
		CommissionRate: decimal.RequireFromString("0.0001"),
	}, policy, zerolog.Nop())
	engine := liquidation.NewEngine(f.store, f.book, svc, f.rec, f.rec, liquidation.Config{
		BaseSlippage:       decimal.RequireFromString("0.0005"),
		SlippageMultiplier: decimal.RequireFromString("1.5"),
	}, policy, zerolog.Nop())
	m := f.monitor(t, engine)
	f.price(t, 20)

	rep, err := m.CheckAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeveritySafe, rep.RiskStatus)
	assert.True(t, rep.MarginLevel.Uncapped)
	assert.Equal(t, "completed", rep.LiquidationStatus)
	// 1000 - (100-19.985)*10 - 199.85*0.0001
	assert.Equal(t, "199.830015", rep.Balance.String())
	assert.True(t, rep.MarginUsed.IsZero())

	assert.Equal(t, []string{
		notify.TypeMarginWarning,
		notify.TypeMarginCall,
		notify.TypeMarginCallUrgent,
		notify.TypeMarginCritical,
		notify.TypeLiquidationDone,
		notify.TypeMarginResolved,
	}, f.rec.take())

	liq, err := engine.Get(context.Background(), rep.LiquidationEventID)
	require.NoError(t, err)
	assert.Equal(t, types.LiquidationStatusCompleted, liq.Status)
	assert.Equal(t, liquidation.ReasonStopOut, liq.Reason)
	assert.Equal(t, "40.0000", liq.InitialMarginLevel.String())
	require.Len(t, liq.ClosedPositions, 1)
	assert.Equal(t, "19.985", liq.ClosedPositions[0].LiquidationPrice.String())
	assert.NotEmpty(t, liq.MarginCallEventID)

	// A second pass finds nothing to do.
	rep, err = m.CheckAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.SeveritySafe, rep.RiskStatus)
	assert.Empty(t, rep.LiquidationEventID)
	assert.Empty(t, f.rec.take())
}

func TestCheckHandler(t *testing.T) {
	f := newFixture(t, "acc-1")
	f.price(t, 60)
	h := NewHandler(f.monitor(t, nil))

	w := httptest.NewRecorder()
	h.Check(w, httptest.NewRequest(http.MethodPost, "/api/risk/check", nil), "acc-1")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "WARNING", body["riskStatus"])
	assert.Equal(t, "120.0000", body["marginLevel"])

	w = httptest.NewRecorder()
	h.Check(w, httptest.NewRequest(http.MethodPost, "/api/risk/check", nil), "missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.CheckAll(w, httptest.NewRequest(http.MethodGet, "/api/risk/check", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var batch struct {
		Accounts []Report `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	require.Len(t, batch.Accounts, 1)
	assert.Equal(t, types.SeverityWarning, batch.Accounts[0].RiskStatus)
}
