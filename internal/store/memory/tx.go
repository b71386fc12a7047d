package memory

import (
	"context"
	"fmt"

	"lv-margin/internal/model"
	"lv-margin/internal/store"
	"lv-margin/internal/types"
)

type memTx struct {
	accountID string
	p         *partition
	readOnly  bool
}

func (t *memTx) AccountID() string { return t.accountID }

func (t *memTx) Accounts() store.AccountRepository         { return accountRepo{t} }
func (t *memTx) Positions() store.PositionRepository       { return positionRepo{t} }
func (t *memTx) Orders() store.OrderRepository             { return orderRepo{t} }
func (t *memTx) Fills() store.FillRepository               { return fillRepo{t} }
func (t *memTx) Ledger() store.LedgerRepository            { return ledgerRepo{t} }
func (t *memTx) Idempotency() store.IdempotencyRepository  { return idempotencyRepo{t} }
func (t *memTx) MarginCalls() store.MarginCallRepository   { return marginCallRepo{t} }
func (t *memTx) Liquidations() store.LiquidationRepository { return liquidationRepo{t} }

func (t *memTx) writable(accountID string) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if accountID != t.accountID {
		return fmt.Errorf("record belongs to account %s, transaction to %s", accountID, t.accountID)
	}
	return nil
}

type accountRepo struct{ t *memTx }

func (r accountRepo) Get(ctx context.Context) (model.Account, error) {
	return r.t.p.account, nil
}

func (r accountRepo) Update(ctx context.Context, acc model.Account) error {
	if err := r.t.writable(acc.ID); err != nil {
		return err
	}
	acc.Version = r.t.p.account.Version + 1
	r.t.p.account = acc
	return nil
}

type positionRepo struct{ t *memTx }

func (r positionRepo) Get(ctx context.Context, id string) (model.Position, error) {
	p, ok := r.t.p.positions[id]
	if !ok {
		return model.Position{}, store.ErrNotFound
	}
	return p, nil
}

func (r positionRepo) ListOpen(ctx context.Context) ([]model.Position, error) {
	out := make([]model.Position, 0, len(r.t.p.positionSeq))
	for _, id := range r.t.p.positionSeq {
		if p := r.t.p.positions[id]; p.Status == types.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r positionRepo) Insert(ctx context.Context, p model.Position) error {
	if err := r.t.writable(p.AccountID); err != nil {
		return err
	}
	if _, exists := r.t.p.positions[p.ID]; exists {
		return store.ErrDuplicate
	}
	r.t.p.positions[p.ID] = p
	r.t.p.positionSeq = append(r.t.p.positionSeq, p.ID)
	return nil
}

func (r positionRepo) Update(ctx context.Context, p model.Position) error {
	if err := r.t.writable(p.AccountID); err != nil {
		return err
	}
	if _, exists := r.t.p.positions[p.ID]; !exists {
		return store.ErrNotFound
	}
	r.t.p.positions[p.ID] = p
	return nil
}

type orderRepo struct{ t *memTx }

func (r orderRepo) Get(ctx context.Context, id string) (model.Order, error) {
	o, ok := r.t.p.orders[id]
	if !ok {
		return model.Order{}, store.ErrNotFound
	}
	return o, nil
}

func (r orderRepo) Insert(ctx context.Context, o model.Order) error {
	if err := r.t.writable(o.AccountID); err != nil {
		return err
	}
	if _, exists := r.t.p.orders[o.ID]; exists {
		return store.ErrDuplicate
	}
	r.t.p.orders[o.ID] = o
	return nil
}

type fillRepo struct{ t *memTx }

func (r fillRepo) Insert(ctx context.Context, f model.Fill) error {
	if err := r.t.writable(f.AccountID); err != nil {
		return err
	}
	r.t.p.fills = append(r.t.p.fills, f)
	return nil
}

func (r fillRepo) ListByOrder(ctx context.Context, orderID string) ([]model.Fill, error) {
	var out []model.Fill
	for _, f := range r.t.p.fills {
		if f.OrderID == orderID {
			out = append(out, f)
		}
	}
	return out, nil
}

type ledgerRepo struct{ t *memTx }

func (r ledgerRepo) Last(ctx context.Context) (model.LedgerEntry, error) {
	if len(r.t.p.ledger) == 0 {
		return model.LedgerEntry{}, store.ErrNotFound
	}
	return r.t.p.ledger[len(r.t.p.ledger)-1], nil
}

func (r ledgerRepo) Append(ctx context.Context, e model.LedgerEntry) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	r.t.p.ledger = append(r.t.p.ledger, e)
	return nil
}

func (r ledgerRepo) List(ctx context.Context) ([]model.LedgerEntry, error) {
	return append([]model.LedgerEntry(nil), r.t.p.ledger...), nil
}

type idempotencyRepo struct{ t *memTx }

func (r idempotencyRepo) Get(ctx context.Context, key string) (model.IdempotencyRecord, error) {
	rec, ok := r.t.p.idempotency[key]
	if !ok {
		return model.IdempotencyRecord{}, store.ErrNotFound
	}
	return cloneIdempotency(rec), nil
}

func (r idempotencyRepo) Put(ctx context.Context, rec model.IdempotencyRecord) error {
	if err := r.t.writable(rec.AccountID); err != nil {
		return err
	}
	if _, exists := r.t.p.idempotency[rec.Key]; exists {
		return store.ErrDuplicate
	}
	r.t.p.idempotency[rec.Key] = cloneIdempotency(rec)
	return nil
}

type marginCallRepo struct{ t *memTx }

func (r marginCallRepo) Active(ctx context.Context) (model.MarginCallEvent, error) {
	for i := len(r.t.p.marginCalls) - 1; i >= 0; i-- {
		if e := r.t.p.marginCalls[i]; e.Active() {
			return cloneMarginCall(e), nil
		}
	}
	return model.MarginCallEvent{}, store.ErrNotFound
}

func (r marginCallRepo) Insert(ctx context.Context, e model.MarginCallEvent) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	r.t.p.marginCalls = append(r.t.p.marginCalls, cloneMarginCall(e))
	return nil
}

func (r marginCallRepo) Update(ctx context.Context, e model.MarginCallEvent) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	for i := range r.t.p.marginCalls {
		if r.t.p.marginCalls[i].ID == e.ID {
			r.t.p.marginCalls[i] = cloneMarginCall(e)
			return nil
		}
	}
	return store.ErrNotFound
}

type liquidationRepo struct{ t *memTx }

func (r liquidationRepo) Get(ctx context.Context, id string) (model.LiquidationEvent, error) {
	for _, e := range r.t.p.liquidations {
		if e.ID == id {
			return cloneLiquidation(e), nil
		}
	}
	return model.LiquidationEvent{}, store.ErrNotFound
}

func (r liquidationRepo) Open(ctx context.Context) (model.LiquidationEvent, error) {
	for i := len(r.t.p.liquidations) - 1; i >= 0; i-- {
		if e := r.t.p.liquidations[i]; !e.Status.Terminal() {
			return cloneLiquidation(e), nil
		}
	}
	return model.LiquidationEvent{}, store.ErrNotFound
}

func (r liquidationRepo) Latest(ctx context.Context) (model.LiquidationEvent, error) {
	if n := len(r.t.p.liquidations); n > 0 {
		return cloneLiquidation(r.t.p.liquidations[n-1]), nil
	}
	return model.LiquidationEvent{}, store.ErrNotFound
}

func (r liquidationRepo) Insert(ctx context.Context, e model.LiquidationEvent) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	r.t.p.liquidations = append(r.t.p.liquidations, cloneLiquidation(e))
	return nil
}

func (r liquidationRepo) Update(ctx context.Context, e model.LiquidationEvent) error {
	if err := r.t.writable(e.AccountID); err != nil {
		return err
	}
	for i := range r.t.p.liquidations {
		if r.t.p.liquidations[i].ID != e.ID {
			continue
		}
		if r.t.p.liquidations[i].Status.Terminal() {
			return store.ErrImmutable
		}
		r.t.p.liquidations[i] = cloneLiquidation(e)
		return nil
	}
	return store.ErrNotFound
}
