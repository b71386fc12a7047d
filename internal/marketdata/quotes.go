package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrPriceUnavailable = errors.New("price unavailable")

// PriceSource supplies the current price per symbol.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	At     time.Time `json:"at"`
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// QuoteBook keeps the latest quote per symbol and serves mid prices. Quotes older
// than maxAge are treated as unavailable; a zero maxAge disables the check.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	maxAge time.Duration
	bus    *Bus
	now    func() time.Time
}

var _ PriceSource = (*QuoteBook)(nil)

func NewQuoteBook(bus *Bus, maxAge time.Duration) *QuoteBook {
	return &QuoteBook{
		quotes: make(map[string]Quote),
		maxAge: maxAge,
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Set stores a quote. Non-positive or crossed quotes are rejected.
func (b *QuoteBook) Set(symbol string, bid, ask float64) error {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" || bid <= 0 || ask <= 0 {
		return fmt.Errorf("invalid quote for %q", symbol)
	}
	if bid > ask {
		return fmt.Errorf("crossed quote for %s: bid %v > ask %v", symbol, bid, ask)
	}
	q := Quote{Symbol: symbol, Bid: bid, Ask: ask, At: b.now()}
	b.mu.Lock()
	b.quotes[symbol] = q
	b.mu.Unlock()
	if b.bus != nil {
		b.bus.Publish(Event{Type: "quote", Data: q, TS: q.At})
	}
	return nil
}

func (b *QuoteBook) Quote(symbol string) (Quote, bool) {
	b.mu.RLock()
	q, ok := b.quotes[NormalizeSymbol(symbol)]
	b.mu.RUnlock()
	if !ok {
		return Quote{}, false
	}
	if b.maxAge > 0 && b.now().Sub(q.At) > b.maxAge {
		return Quote{}, false
	}
	return q, true
}

func (b *QuoteBook) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q, ok := b.Quote(symbol)
	if !ok {
		return 0, fmt.Errorf("%s: %w", symbol, ErrPriceUnavailable)
	}
	return q.Mid(), nil
}

// Prices resolves every symbol it can. Missing symbols are absent from the result
// and listed once each, in first-seen order.
func Prices(ctx context.Context, src PriceSource, symbols []string) (map[string]float64, []string) {
	out := make(map[string]float64, len(symbols))
	seen := make(map[string]bool, len(symbols))
	var missing []string
	for _, s := range symbols {
		if seen[s] {
			continue
		}
		seen[s] = true
		p, err := src.GetPrice(ctx, s)
		if err != nil {
			missing = append(missing, s)
			continue
		}
		out[s] = p
	}
	return out, missing
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
