package marketdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
)

const (
	InstrumentActive = "active"
	InstrumentClosed = "closed"
	InstrumentHalted = "halted"
)

// Instrument carries the contract spec the order core validates against.
type Instrument struct {
	Symbol             string          `json:"symbol"`
	MinQty             decimal.Decimal `json:"min_qty"`
	MaxQty             decimal.Decimal `json:"max_qty"`
	ContractMultiplier decimal.Decimal `json:"contract_multiplier"`
	MaxLeverage        int             `json:"max_leverage"`
	Status             string          `json:"status"`
}

func (i Instrument) Tradable() bool {
	return i.Status == "" || i.Status == InstrumentActive
}

type Catalog interface {
	Instrument(ctx context.Context, symbol string) (Instrument, error)
}

// StaticCatalog serves instruments loaded from configuration.
type StaticCatalog map[string]Instrument

func NewStaticCatalog(items []Instrument) StaticCatalog {
	out := make(StaticCatalog, len(items))
	for _, it := range items {
		it.Symbol = NormalizeSymbol(it.Symbol)
		out[it.Symbol] = it
	}
	return out
}

func (c StaticCatalog) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	it, ok := c[NormalizeSymbol(symbol)]
	if !ok {
		return Instrument{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return it, nil
}

// PGCatalog reads contract specs from the trading_pairs table.
type PGCatalog struct {
	pool *pgxpool.Pool
}

func NewPGCatalog(pool *pgxpool.Pool) *PGCatalog {
	return &PGCatalog{pool: pool}
}

func (c *PGCatalog) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	var it Instrument
	err := c.pool.QueryRow(ctx, `
		select symbol, min_qty, max_qty, contract_multiplier, max_leverage, status
		from trading_pairs
		where symbol = $1
	`, NormalizeSymbol(symbol)).Scan(&it.Symbol, &it.MinQty, &it.MaxQty, &it.ContractMultiplier, &it.MaxLeverage, &it.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instrument{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return it, err
}
