package margin

import (
	"context"
	"errors"
	"sort"
	"time"

	"lv-margin/internal/audit"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/metrics"
	"lv-margin/internal/model"
	"lv-margin/internal/notify"
	"lv-margin/internal/pnl"
	"lv-margin/internal/store"
	"lv-margin/internal/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Liquidator is invoked synchronously when an account is CRITICAL.
type Liquidator interface {
	TriggerAuto(ctx context.Context, accountID, marginCallEventID string) (model.LiquidationEvent, error)
}

type Report struct {
	AccountID          string            `json:"accountId"`
	MarginLevel        types.MarginLevel `json:"marginLevel"`
	RiskStatus         types.Severity    `json:"riskStatus"`
	ViolatedThresholds []string          `json:"violatedThresholds"`
	Balance            decimal.Decimal   `json:"balance"`
	Equity             decimal.Decimal   `json:"equity"`
	MarginUsed         decimal.Decimal   `json:"marginUsed"`
	FreeMargin         decimal.Decimal   `json:"freeMargin"`
	FlaggedPositions   []string          `json:"flaggedPositions,omitempty"`
	MarginCallEventID  string            `json:"marginCallEventId,omitempty"`
	TimeInCallSeconds  int64             `json:"timeInCallSeconds,omitempty"`
	LiquidationEventID string            `json:"liquidationEventId,omitempty"`
	LiquidationStatus  string            `json:"liquidationStatus,omitempty"`
	Error              string            `json:"error,omitempty"`
	CheckedAt          time.Time         `json:"checkedAt"`
}

type Monitor struct {
	store       store.Store
	prices      marketdata.PriceSource
	profiles    *Profiles
	liquidator  Liquidator
	notifier    notify.Notifier
	journal     audit.Recorder
	concurrency int
	log         zerolog.Logger
	now         func() time.Time
}

func NewMonitor(st store.Store, prices marketdata.PriceSource, profiles *Profiles, liquidator Liquidator, notifier notify.Notifier, journal audit.Recorder, concurrency int, logger zerolog.Logger) *Monitor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Monitor{
		store:       st,
		prices:      prices,
		profiles:    profiles,
		liquidator:  liquidator,
		notifier:    notifier,
		journal:     journal,
		concurrency: concurrency,
		log:         logger.With().Str("component", "margin_monitor").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CheckAccount recomputes the account's margin level from live state, advances its
// margin call and, when CRITICAL, runs liquidation before returning.
func (m *Monitor) CheckAccount(ctx context.Context, accountID string) (Report, error) {
	rep, tr, err := m.evaluate(ctx, accountID)
	if err != nil {
		return rep, err
	}
	m.announce(ctx, accountID, tr)
	if tr.Current != types.SeverityCritical || m.liquidator == nil {
		return rep, nil
	}

	ev, err := m.liquidator.TriggerAuto(ctx, accountID, tr.Event.ID)
	if err != nil {
		m.log.Error().Err(err).Str("account_id", accountID).Msg("liquidation trigger failed, will retry next pass")
		rep.Error = err.Error()
		return rep, nil
	}
	if ev.ID == "" {
		return rep, nil
	}
	if err := m.link(ctx, accountID, tr.Event.ID, ev.ID); err != nil {
		m.log.Error().Err(err).Str("account_id", accountID).Str("liquidation_id", ev.ID).Msg("link liquidation to margin call")
	}
	if ev.Status != types.LiquidationStatusCompleted {
		rep.LiquidationEventID = ev.ID
		rep.LiquidationStatus = string(ev.Status)
		return rep, nil
	}

	// Re-evaluate so the report and the margin call reflect the post-liquidation state.
	after, tr2, err := m.evaluate(ctx, accountID)
	if err != nil {
		return rep, err
	}
	m.announce(ctx, accountID, tr2)
	after.LiquidationEventID = ev.ID
	after.LiquidationStatus = string(ev.Status)
	return after, nil
}

func (m *Monitor) evaluate(ctx context.Context, accountID string) (Report, Transition, error) {
	var symbols []string
	err := m.store.Read(ctx, accountID, func(tx store.Tx) error {
		positions, err := tx.Positions().ListOpen(ctx)
		for _, p := range positions {
			symbols = append(symbols, p.Symbol)
		}
		return err
	})
	if err != nil {
		return Report{AccountID: accountID}, Transition{}, err
	}
	prices, missing := marketdata.Prices(ctx, m.prices, symbols)
	if len(missing) > 0 {
		m.log.Warn().Str("account_id", accountID).Strs("symbols", missing).Msg("no live price, using stored marks")
	}

	var (
		rep Report
		tr  Transition
	)
	err = m.store.Atomic(ctx, accountID, func(tx store.Tx) error {
		acc, err := tx.Accounts().Get(ctx)
		if err != nil {
			return err
		}
		positions, err := tx.Positions().ListOpen(ctx)
		if err != nil {
			return err
		}
		now := m.now()
		pf := pnl.ComputePortfolio(acc, positions, prices)
		th := m.profiles.For(acc.RiskProfile)
		sev, violated := Classify(pf.MarginLevel, th)

		var active *model.MarginCallEvent
		if ev, err := tx.MarginCalls().Active(ctx); err == nil {
			active = &ev
		} else if !store.IsNotFound(err) {
			return err
		}
		tr = Apply(active, accountID, sev, pf.MarginLevel, now, uuid.NewString)
		switch {
		case tr.Created:
			if err := tx.MarginCalls().Insert(ctx, tr.Event); err != nil {
				return err
			}
		case tr.Changed:
			if err := tx.MarginCalls().Update(ctx, tr.Event); err != nil {
				return err
			}
		}
		if !acc.Equity.Equal(pf.Equity) {
			acc.Equity = pf.Equity
			acc.UpdatedAt = now
			if err := tx.Accounts().Update(ctx, acc); err != nil {
				return err
			}
		}

		rep = Report{
			AccountID:          accountID,
			MarginLevel:        pf.MarginLevel,
			RiskStatus:         sev,
			ViolatedThresholds: violated,
			Balance:            pf.Balance,
			Equity:             pf.Equity,
			MarginUsed:         pf.MarginUsed,
			FreeMargin:         pf.FreeMargin,
			FlaggedPositions:   pf.Flagged,
			CheckedAt:          now,
		}
		if tr.Event.ID != "" && tr.Event.Active() {
			rep.MarginCallEventID = tr.Event.ID
			rep.TimeInCallSeconds = int64(TimeInCall(tr.Event, now).Seconds())
		}
		return nil
	})
	if err != nil {
		return Report{AccountID: accountID}, Transition{}, err
	}
	if len(rep.FlaggedPositions) > 0 {
		m.log.Warn().Str("account_id", accountID).Strs("positions", rep.FlaggedPositions).Msg("positions excluded from P&L")
	}
	return rep, tr, nil
}

// announce emits one notification per crossed severity, then writes the audit trail.
// It runs after commit so a failed delivery never affects stored state.
func (m *Monitor) announce(ctx context.Context, accountID string, tr Transition) {
	for _, sev := range tr.Entered {
		metrics.Escalations.WithLabelValues(string(sev)).Inc()
		m.notifier.Notify(accountID, notificationType(sev), map[string]any{
			"marginCallEventId": tr.Event.ID,
			"severity":          sev,
			"marginLevel":       tr.Event.MarginLevel,
		})
	}
	if len(tr.Entered) > 0 {
		m.log.Warn().Str("account_id", accountID).Str("from", string(tr.Previous)).Str("to", string(tr.Current)).
			Str("margin_level", tr.Event.MarginLevel.String()).Msg("margin call escalated")
		m.record(ctx, audit.KindMarginCallEscalated, accountID, tr.Event.ID, map[string]any{
			"from":        tr.Previous,
			"to":          tr.Current,
			"entered":     tr.Entered,
			"marginLevel": tr.Event.MarginLevel,
		})
	}
	if tr.Resolved {
		m.notifier.Notify(accountID, notify.TypeMarginResolved, map[string]any{
			"marginCallEventId": tr.Event.ID,
			"resolution":        tr.Event.Resolution,
			"marginLevel":       tr.Event.MarginLevel,
		})
		m.log.Info().Str("account_id", accountID).Str("resolution", tr.Event.Resolution).Msg("margin call resolved")
		m.record(ctx, audit.KindMarginCallResolved, accountID, tr.Event.ID, map[string]any{
			"from":        tr.Previous,
			"resolution":  tr.Event.Resolution,
			"marginLevel": tr.Event.MarginLevel,
		})
	}
}

func (m *Monitor) record(ctx context.Context, kind, accountID, ref string, payload any) {
	if m.journal == nil {
		return
	}
	if _, err := m.journal.Record(ctx, kind, accountID, ref, payload); err != nil {
		m.log.Error().Err(err).Str("account_id", accountID).Str("kind", kind).Msg("audit record failed")
	}
}

func (m *Monitor) link(ctx context.Context, accountID, marginCallID, liquidationID string) error {
	return m.store.Atomic(ctx, accountID, func(tx store.Tx) error {
		ev, err := tx.MarginCalls().Active(ctx)
		if err != nil {
			return err
		}
		if ev.ID != marginCallID || ev.LiquidationEventID == liquidationID {
			return nil
		}
		ev.LiquidationEventID = liquidationID
		ev.UpdatedAt = m.now()
		return tx.MarginCalls().Update(ctx, ev)
	})
}

// RunPass checks every account with bounded parallelism. Accounts are independent,
// so one failure is reported in its entry and never stops the pass.
func (m *Monitor) RunPass(ctx context.Context) ([]Report, error) {
	start := time.Now()
	ids, err := m.store.AccountIDs(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rep, err := m.CheckAccount(gctx, id)
			if err != nil {
				metrics.MonitorErrors.Inc()
				m.log.Error().Err(err).Str("account_id", id).Msg("margin check failed")
				rep.AccountID = id
				rep.Error = err.Error()
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()

	counts := map[types.Severity]int{}
	for _, r := range reports {
		if r.Error == "" || r.RiskStatus != "" {
			counts[r.RiskStatus]++
		}
	}
	for r := 0; r <= types.SeverityCritical.Rank(); r++ {
		sev := types.SeverityByRank(r)
		metrics.AccountsBySeverity.WithLabelValues(string(sev)).Set(float64(counts[sev]))
	}
	metrics.MonitorPassDuration.Observe(time.Since(start).Seconds())
	sort.Slice(reports, func(i, j int) bool { return reports[i].AccountID < reports[j].AccountID })
	return reports, ctx.Err()
}

// Run executes a pass every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reports, err := m.RunPass(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error().Err(err).Msg("monitor pass failed")
				continue
			}
			atRisk := 0
			for _, r := range reports {
				if r.RiskStatus.Rank() > 0 {
					atRisk++
				}
			}
			m.log.Debug().Int("accounts", len(reports)).Int("at_risk", atRisk).Msg("monitor pass done")
		}
	}
}

func notificationType(sev types.Severity) string {
	switch sev {
	case types.SeverityWarning:
		return notify.TypeMarginWarning
	case types.SeverityStandard:
		return notify.TypeMarginCall
	case types.SeverityUrgent:
		return notify.TypeMarginCallUrgent
	default:
		return notify.TypeMarginCritical
	}
}
