package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// DemoFeed writes synthetic quotes into a QuoteBook so a development server has
// prices without an upstream feed. Each mid reverts toward its base with
// gaussian noise and stays within [0.6, 1.6] of the base.
type DemoFeed struct {
	book    *QuoteBook
	symbols []string
	base    map[string]float64
	mid     map[string]float64
	vol     float64
	spread  float64
	rng     *rand.Rand
	log     zerolog.Logger
}

// NewDemoFeed starts every symbol at its base price. vol is the per-tick
// relative standard deviation and spread the relative bid/ask width.
func NewDemoFeed(book *QuoteBook, base map[string]float64, vol, spread float64, seed int64, logger zerolog.Logger) *DemoFeed {
	f := &DemoFeed{
		book:   book,
		base:   make(map[string]float64, len(base)),
		mid:    make(map[string]float64, len(base)),
		vol:    vol,
		spread: spread,
		rng:    rand.New(rand.NewSource(seed)),
		log:    logger.With().Str("component", "demo_feed").Logger(),
	}
	for sym, p := range base {
		sym = NormalizeSymbol(sym)
		if sym == "" || p <= 0 {
			continue
		}
		f.symbols = append(f.symbols, sym)
		f.base[sym] = p
		f.mid[sym] = p
	}
	sort.Strings(f.symbols)
	return f
}

func (f *DemoFeed) Symbols() []string {
	return append([]string(nil), f.symbols...)
}

// Tick advances every symbol one step and publishes the quotes.
func (f *DemoFeed) Tick() error {
	for _, sym := range f.symbols {
		mid := f.step(sym)
		half := mid * f.spread / 2
		if err := f.book.Set(sym, mid-half, mid+half); err != nil {
			return err
		}
	}
	return nil
}

func (f *DemoFeed) step(sym string) float64 {
	base, prev := f.base[sym], f.mid[sym]
	noise := f.rng.NormFloat64() * f.vol * prev
	price := prev + (base-prev)*0.06 + noise
	if floor := base * 0.6; price < floor {
		price = floor + math.Abs(noise)
	}
	if ceiling := base * 1.6; price > ceiling {
		price = ceiling - math.Abs(noise)
	}
	f.mid[sym] = price
	return price
}

// Run ticks until ctx ends.
func (f *DemoFeed) Run(ctx context.Context, interval time.Duration) {
	f.log.Info().Strs("symbols", f.symbols).Dur("interval", interval).Msg("demo feed started")
	if err := f.Tick(); err != nil {
		f.log.Warn().Err(err).Msg("demo tick")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Tick(); err != nil {
				f.log.Warn().Err(err).Msg("demo tick")
			}
		}
	}
}
