package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lv-margin/internal/model"
	"lv-margin/internal/store"
	"lv-margin/internal/types"

	"github.com/jackc/pgx/v5"
)

type pgTx struct {
	tx        pgx.Tx
	accountID string
	readOnly  bool
}

func (t *pgTx) AccountID() string { return t.accountID }

func (t *pgTx) Accounts() store.AccountRepository         { return accountRepo{t} }
func (t *pgTx) Positions() store.PositionRepository       { return positionRepo{t} }
func (t *pgTx) Orders() store.OrderRepository             { return orderRepo{t} }
func (t *pgTx) Fills() store.FillRepository               { return fillRepo{t} }
func (t *pgTx) Ledger() store.LedgerRepository            { return ledgerRepo{t} }
func (t *pgTx) Idempotency() store.IdempotencyRepository  { return idempotencyRepo{t} }
func (t *pgTx) MarginCalls() store.MarginCallRepository   { return marginCallRepo{t} }
func (t *pgTx) Liquidations() store.LiquidationRepository { return liquidationRepo{t} }

func (t *pgTx) writable(accountID string) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if accountID != t.accountID {
		return fmt.Errorf("record belongs to account %s, transaction to %s", accountID, t.accountID)
	}
	return nil
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

type accountRepo struct{ t *pgTx }

func (r accountRepo) Get(ctx context.Context) (model.Account, error) {
	var a model.Account
	var status string
	err := r.t.tx.QueryRow(ctx, `
		select id, user_id, status, kyc_approved, balance, initial_balance, equity, margin_used, leverage, risk_profile, version, created_at, updated_at
		from accounts where id = $1
	`, r.t.accountID).Scan(&a.ID, &a.UserID, &status, &a.KYCApproved, &a.Balance, &a.InitialBalance, &a.Equity, &a.MarginUsed, &a.Leverage, &a.RiskProfile, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	a.Status = types.AccountStatus(status)
	return a, mapError(err)
}

func (r accountRepo) Update(ctx context.Context, a model.Account) error {
	if err := r.t.writable(a.ID); err != nil {
		return err
	}
	return r.t.exec(ctx, `
		update accounts set status = $2, kyc_approved = $3, balance = $4, equity = $5, margin_used = $6, leverage = $7, risk_profile = $8,
			version = version + 1, updated_at = $9
		where id = $1
	`, a.ID, string(a.Status), a.KYCApproved, a.Balance, a.Equity, a.MarginUsed, a.Leverage, a.RiskProfile, time.Now().UTC())
}

const positionColumns = `id, account_id, symbol, side, quantity, entry_price, current_price, margin_used, contract_multiplier, leverage, status,
	realized_pnl, trailing_stop_distance, trailing_stop_price, open_order_id, opened_at, closed_at`

type positionRepo struct{ t *pgTx }

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var side, status string
	err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice, &p.MarginUsed, &p.ContractMultiplier,
		&p.Leverage, &status, &p.RealizedPnL, &p.TrailingStopDistance, &p.TrailingStopPrice, &p.OpenOrderID, &p.OpenedAt, &p.ClosedAt)
	p.Side = types.PositionSide(side)
	p.Status = types.PositionStatus(status)
	return p, err
}

func (r positionRepo) Get(ctx context.Context, id string) (model.Position, error) {
	p, err := scanPosition(r.t.tx.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1 and account_id = $2", id, r.t.accountID))
	return p, mapError(err)
}

func (r positionRepo) ListOpen(ctx context.Context) ([]model.Position, error) {
	rows, err := r.t.tx.Query(ctx, "select "+positionColumns+" from positions where account_id = $1 and status = 'open' order by opened_at, id", r.t.accountID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r positionRepo) Insert(ctx context.Context, p model.Position) error {
	if err := r.t.writable(p.AccountID); err != nil {
		return err
	}
	_, err := r.t.tx.Exec(ctx, "insert into positions ("+positionColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)",
		p.ID, p.AccountID, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, p.CurrentPrice, p.MarginUsed, p.Multiplier(), p.Leverage,
		string(p.Status), p.RealizedPnL, p.TrailingStopDistance, p.TrailingStopPrice, p.OpenOrderID, p.OpenedAt, p.ClosedAt)
	return mapError(err)
}

func (r positionRepo) Update(ctx context.Context, p model.Position) error {
	if err := r.t.writable(p.AccountID); err != nil {
		return err
	}
	return r.t.exec(ctx, `
		update positions set quantity = $3, current_price = $4, margin_used = $5, status = $6, realized_pnl = $7,
			trailing_stop_distance = $8, trailing_stop_price = $9, closed_at = $10
		where id = $1 and account_id = $2
	`, p.ID, p.AccountID, p.Quantity, p.CurrentPrice, p.MarginUsed, string(p.Status), p.RealizedPnL, p.TrailingStopDistance, p.TrailingStopPrice, p.ClosedAt)
}

type orderRepo struct{ t *pgTx }

func (r orderRepo) Get(ctx context.Context, id string) (model.Order, error) {
	var o model.Order
	var typ, side, status, reason string
	err := r.t.tx.QueryRow(ctx, `
		select id, account_id, position_id, symbol, type, side, quantity, price, status, idempotency_key, reason, created_at, filled_at
		from orders where id = $1 and account_id = $2
	`, id, r.t.accountID).Scan(&o.ID, &o.AccountID, &o.PositionID, &o.Symbol, &typ, &side, &o.Quantity, &o.Price, &status, &o.IdempotencyKey, &reason, &o.CreatedAt, &o.FilledAt)
	o.Type = types.OrderType(typ)
	o.Side = types.OrderSide(side)
	o.Status = types.OrderStatus(status)
	o.Reason = types.CloseReason(reason)
	return o, mapError(err)
}

func (r orderRepo) Insert(ctx context.Context, o model.Order) error {
	if err := r.t.writable(o.AccountID); err != nil {
		return err
	}
	_, err := r.t.tx.Exec(ctx, `
		insert into orders (id, account_id, position_id, symbol, type, side, quantity, price, status, idempotency_key, reason, created_at, filled_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, o.ID, o.AccountID, o.PositionID, o.Symbol, string(o.Type), string(o.Side), o.Quantity, o.Price, string(o.Status), o.IdempotencyKey, string(o.Reason), o.CreatedAt, o.FilledAt)
	return mapError(err)
}

type fillRepo struct{ t *pgTx }

func (r fillRepo) Insert(ctx context.Context, f model.Fill) error {
	if err := r.t.writable(f.AccountID); err != nil {
		return err
	}
	_, err := r.t.tx.Exec(ctx, `
		insert into fills (id, order_id, account_id, position_id, quantity, price, commission, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, f.ID, f.OrderID, f.AccountID, f.PositionID, f.Quantity, f.Price, f.Commission, f.CreatedAt)
	return mapError(err)
}

func (r fillRepo) ListByOrder(ctx context.Context, orderID string) ([]model.Fill, error) {
	rows, err := r.t.tx.Query(ctx, `
		select id, order_id, account_id, position_id, quantity, price, commission, created_at
		from fills where order_id = $1 and account_id = $2 order by created_at, id
	`, orderID, r.t.accountID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []model.Fill
	for rows.Next() {
		var f model.Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.PositionID, &f.Quantity, &f.Price, &f.Commission, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const ledgerColumns = "id, account_id, sequence, type, amount, balance_before, balance_after, reference_id, prev_hash, hash, created_at"

type ledgerRepo struct{ t *pgTx }

func scanLedger(row pgx.Row) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	var typ string
	err := row.Scan(&e.ID, &e.AccountID, &e.Sequence, &typ, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.ReferenceID, &e.PrevHash, &e.Hash, &e.CreatedAt)
	e.Type = types.LedgerEntryType(typ)
	return e, err
}

func (r ledgerRepo) Last(ctx context.Context) (model.LedgerEntry, error) {
	e, err := scanLedger(r.t.tx.QueryRow(ctx, "select "+ledgerColumns+" from ledger_entries where account_id = $1 order by sequence desc limit 1", r.t.accountID))
	return e, mapError(err)
}

func (r ledgerRepo) Append(ctx context.Context, e model.LedgerEntry) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	_, err := r.t.tx.Exec(ctx, "insert into ledger_entries ("+ledgerColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)",
		e.ID, e.AccountID, e.Sequence, string(e.Type), e.Amount, e.BalanceBefore, e.BalanceAfter, e.ReferenceID, e.PrevHash, e.Hash, e.CreatedAt)
	return mapError(err)
}

func (r ledgerRepo) List(ctx context.Context) ([]model.LedgerEntry, error) {
	rows, err := r.t.tx.Query(ctx, "select "+ledgerColumns+" from ledger_entries where account_id = $1 order by sequence", r.t.accountID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type idempotencyRepo struct{ t *pgTx }

func (r idempotencyRepo) Get(ctx context.Context, key string) (model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := r.t.tx.QueryRow(ctx, `
		select account_id, key, fingerprint, outcome, created_at from idempotency_records where account_id = $1 and key = $2
	`, r.t.accountID, key).Scan(&rec.AccountID, &rec.Key, &rec.Fingerprint, &rec.Outcome, &rec.CreatedAt)
	return rec, mapError(err)
}

func (r idempotencyRepo) Put(ctx context.Context, rec model.IdempotencyRecord) error {
	if err := r.t.writable(rec.AccountID); err != nil {
		return err
	}
	_, err := r.t.tx.Exec(ctx, `
		insert into idempotency_records (account_id, key, fingerprint, outcome, created_at) values ($1,$2,$3,$4,$5)
	`, rec.AccountID, rec.Key, rec.Fingerprint, rec.Outcome, rec.CreatedAt)
	return mapError(err)
}

const marginCallColumns = `id, account_id, severity, status, margin_level, entered_at, left_at, liquidation_event_id, resolution, created_at, updated_at, resolved_at`

type marginCallRepo struct{ t *pgTx }

func (r marginCallRepo) Active(ctx context.Context) (model.MarginCallEvent, error) {
	var e model.MarginCallEvent
	var severity, status, level string
	var entered, left []byte
	err := r.t.tx.QueryRow(ctx, "select "+marginCallColumns+" from margin_call_events where account_id = $1 and status <> 'resolved'", r.t.accountID).
		Scan(&e.ID, &e.AccountID, &severity, &status, &level, &entered, &left, &e.LiquidationEventID, &e.Resolution, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt)
	if err != nil {
		return e, mapError(err)
	}
	e.Severity = types.Severity(severity)
	e.Status = types.MarginCallStatus(status)
	if e.MarginLevel, err = types.ParseMarginLevel(level); err != nil {
		return e, err
	}
	if err := json.Unmarshal(entered, &e.EnteredAt); err != nil {
		return e, err
	}
	if err := json.Unmarshal(left, &e.LeftAt); err != nil {
		return e, err
	}
	return e, nil
}

func marginCallArgs(e model.MarginCallEvent) ([]any, error) {
	entered, err := json.Marshal(nonNilTimes(e.EnteredAt))
	if err != nil {
		return nil, err
	}
	left, err := json.Marshal(nonNilTimes(e.LeftAt))
	if err != nil {
		return nil, err
	}
	return []any{e.ID, e.AccountID, string(e.Severity), string(e.Status), e.MarginLevel.String(), string(entered), string(left),
		e.LiquidationEventID, e.Resolution, e.CreatedAt, e.UpdatedAt, e.ResolvedAt}, nil
}

func nonNilTimes(m map[types.Severity]time.Time) map[types.Severity]time.Time {
	if m == nil {
		return map[types.Severity]time.Time{}
	}
	return m
}

func (r marginCallRepo) Insert(ctx context.Context, e model.MarginCallEvent) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	args, err := marginCallArgs(e)
	if err != nil {
		return err
	}
	_, err = r.t.tx.Exec(ctx, "insert into margin_call_events ("+marginCallColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)", args...)
	return mapError(err)
}

func (r marginCallRepo) Update(ctx context.Context, e model.MarginCallEvent) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	args, err := marginCallArgs(e)
	if err != nil {
		return err
	}
	return r.t.exec(ctx, `
		update margin_call_events set severity = $3, status = $4, margin_level = $5, entered_at = $6, left_at = $7,
			liquidation_event_id = $8, resolution = $9, created_at = $10, updated_at = $11, resolved_at = $12
		where id = $1 and account_id = $2
	`, args...)
}

const liquidationSelect = `select id, account_id, margin_call_event_id, reason, status, initial_equity, initial_margin_level, base_slippage,
	slippage_multiplier, position_ids, closed_positions, failed_positions, total_loss_realized, total_slippage_applied, final_margin_level,
	created_at, updated_at, completed_at from liquidation_events`

func scanLiquidation(row pgx.Row) (model.LiquidationEvent, error) {
	var e model.LiquidationEvent
	var status, initialLevel string
	var finalLevel *string
	var positionIDs, closed, failed []byte
	err := row.Scan(&e.ID, &e.AccountID, &e.MarginCallEventID, &e.Reason, &status, &e.InitialEquity, &initialLevel, &e.BaseSlippage,
		&e.SlippageMultiplier, &positionIDs, &closed, &failed, &e.TotalLossRealized, &e.TotalSlippageApplied, &finalLevel,
		&e.CreatedAt, &e.UpdatedAt, &e.CompletedAt)
	if err != nil {
		return e, err
	}
	e.Status = types.LiquidationStatus(status)
	if e.InitialMarginLevel, err = types.ParseMarginLevel(initialLevel); err != nil {
		return e, err
	}
	if finalLevel != nil {
		lvl, err := types.ParseMarginLevel(*finalLevel)
		if err != nil {
			return e, err
		}
		e.FinalMarginLevel = &lvl
	}
	for _, part := range []struct {
		raw []byte
		dst any
	}{{positionIDs, &e.PositionIDs}, {closed, &e.ClosedPositions}, {failed, &e.FailedPositions}} {
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return e, err
		}
	}
	return e, nil
}

func liquidationArgs(e model.LiquidationEvent) ([]any, error) {
	positionIDs, err := json.Marshal(nonNil(e.PositionIDs))
	if err != nil {
		return nil, err
	}
	closed, err := json.Marshal(nonNil(e.ClosedPositions))
	if err != nil {
		return nil, err
	}
	failed, err := json.Marshal(nonNil(e.FailedPositions))
	if err != nil {
		return nil, err
	}
	var finalLevel *string
	if e.FinalMarginLevel != nil {
		s := e.FinalMarginLevel.String()
		finalLevel = &s
	}
	return []any{e.ID, e.AccountID, e.MarginCallEventID, e.Reason, string(e.Status), e.InitialEquity, e.InitialMarginLevel.String(),
		e.BaseSlippage, e.SlippageMultiplier, string(positionIDs), string(closed), string(failed), e.TotalLossRealized,
		e.TotalSlippageApplied, finalLevel, e.CreatedAt, e.UpdatedAt, e.CompletedAt}, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

type liquidationRepo struct{ t *pgTx }

func (r liquidationRepo) Get(ctx context.Context, id string) (model.LiquidationEvent, error) {
	e, err := scanLiquidation(r.t.tx.QueryRow(ctx, liquidationSelect+" where id = $1 and account_id = $2", id, r.t.accountID))
	return e, mapError(err)
}

func (r liquidationRepo) Open(ctx context.Context) (model.LiquidationEvent, error) {
	e, err := scanLiquidation(r.t.tx.QueryRow(ctx, liquidationSelect+" where account_id = $1 and status in ('initiated', 'processing')", r.t.accountID))
	return e, mapError(err)
}

func (r liquidationRepo) Latest(ctx context.Context) (model.LiquidationEvent, error) {
	e, err := scanLiquidation(r.t.tx.QueryRow(ctx, liquidationSelect+" where account_id = $1 order by created_at desc, id desc limit 1", r.t.accountID))
	return e, mapError(err)
}

func (r liquidationRepo) Insert(ctx context.Context, e model.LiquidationEvent) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	args, err := liquidationArgs(e)
	if err != nil {
		return err
	}
	_, err = r.t.tx.Exec(ctx, `insert into liquidation_events (id, account_id, margin_call_event_id, reason, status, initial_equity,
		initial_margin_level, base_slippage, slippage_multiplier, position_ids, closed_positions, failed_positions, total_loss_realized,
		total_slippage_applied, final_margin_level, created_at, updated_at, completed_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`, args...)
	return mapError(err)
}

func (r liquidationRepo) Update(ctx context.Context, e model.LiquidationEvent) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	closed, err := json.Marshal(nonNil(e.ClosedPositions))
	if err != nil {
		return err
	}
	failed, err := json.Marshal(nonNil(e.FailedPositions))
	if err != nil {
		return err
	}
	var finalLevel *string
	if e.FinalMarginLevel != nil {
		s := e.FinalMarginLevel.String()
		finalLevel = &s
	}
	// Snapshot columns are never rewritten and terminal rows are never touched.
	tag, err := r.t.tx.Exec(ctx, `
		update liquidation_events set status = $3, closed_positions = $4, failed_positions = $5, total_loss_realized = $6,
			total_slippage_applied = $7, final_margin_level = $8, updated_at = $9, completed_at = $10
		where id = $1 and account_id = $2 and status in ('initiated', 'processing')
	`, e.ID, e.AccountID, string(e.Status), string(closed), string(failed), e.TotalLossRealized, e.TotalSlippageApplied,
		finalLevel, e.UpdatedAt, e.CompletedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, e.ID); err != nil {
		return err
	}
	return store.ErrImmutable
}
