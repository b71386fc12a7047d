package memory

import (
	"lv-margin/internal/model"
	"lv-margin/internal/types"
)

type partition struct {
	account      model.Account
	positions    map[string]model.Position
	positionSeq  []string
	orders       map[string]model.Order
	fills        []model.Fill
	ledger       []model.LedgerEntry
	idempotency  map[string]model.IdempotencyRecord
	marginCalls  []model.MarginCallEvent
	liquidations []model.LiquidationEvent
}

func newPartition(acc model.Account) *partition {
	return &partition{
		account:     acc,
		positions:   make(map[string]model.Position),
		orders:      make(map[string]model.Order),
		idempotency: make(map[string]model.IdempotencyRecord),
	}
}

func (p *partition) clone() *partition {
	out := &partition{
		account:      p.account,
		positions:    make(map[string]model.Position, len(p.positions)),
		positionSeq:  append([]string(nil), p.positionSeq...),
		orders:       make(map[string]model.Order, len(p.orders)),
		fills:        append([]model.Fill(nil), p.fills...),
		ledger:       append([]model.LedgerEntry(nil), p.ledger...),
		idempotency:  make(map[string]model.IdempotencyRecord, len(p.idempotency)),
		marginCalls:  make([]model.MarginCallEvent, 0, len(p.marginCalls)),
		liquidations: make([]model.LiquidationEvent, 0, len(p.liquidations)),
	}
	for k, v := range p.positions {
		out.positions[k] = v
	}
	for k, v := range p.orders {
		out.orders[k] = v
	}
	for k, v := range p.idempotency {
		out.idempotency[k] = cloneIdempotency(v)
	}
	for _, e := range p.marginCalls {
		out.marginCalls = append(out.marginCalls, cloneMarginCall(e))
	}
	for _, e := range p.liquidations {
		out.liquidations = append(out.liquidations, cloneLiquidation(e))
	}
	return out
}

func cloneIdempotency(r model.IdempotencyRecord) model.IdempotencyRecord {
	r.Outcome = append([]byte(nil), r.Outcome...)
	return r
}

func cloneMarginCall(e model.MarginCallEvent) model.MarginCallEvent {
	e.EnteredAt = cloneTimes(e.EnteredAt)
	e.LeftAt = cloneTimes(e.LeftAt)
	return e
}

func cloneTimes[T any](in map[types.Severity]T) map[types.Severity]T {
	if in == nil {
		return nil
	}
	out := make(map[types.Severity]T, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneLiquidation(e model.LiquidationEvent) model.LiquidationEvent {
	e.PositionIDs = append([]string(nil), e.PositionIDs...)
	e.ClosedPositions = append([]model.ClosedPosition(nil), e.ClosedPositions...)
	e.FailedPositions = append([]model.FailedPosition(nil), e.FailedPositions...)
	if e.FinalMarginLevel != nil {
		v := *e.FinalMarginLevel
		e.FinalMarginLevel = &v
	}
	return e
}
