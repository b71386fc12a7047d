package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteBookServesMid(t *testing.T) {
	book := NewQuoteBook(nil, 0)
	require.NoError(t, book.Set("eurusd", 1.0998, 1.1002))
	p, err := book.GetPrice(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.InDelta(t, 1.1, p, 1e-12)
}

func TestQuoteBookRejectsBadQuotes(t *testing.T) {
	book := NewQuoteBook(nil, 0)
	assert.Error(t, book.Set("EURUSD", 0, 1))
	assert.Error(t, book.Set("EURUSD", 1.2, 1.1))
	assert.Error(t, book.Set(" ", 1, 1))
	_, err := book.GetPrice(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestQuoteBookExpiresStaleQuotes(t *testing.T) {
	book := NewQuoteBook(nil, time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	book.now = func() time.Time { return now }
	require.NoError(t, book.Set("EURUSD", 1, 1))
	_, err := book.GetPrice(context.Background(), "EURUSD")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = book.GetPrice(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestQuoteBookPublishesOnBus(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	book := NewQuoteBook(bus, 0)
	require.NoError(t, book.Set("BTCUSD", 100, 102))
	select {
	case evt := <-sub:
		assert.Equal(t, "quote", evt.Type)
		assert.Equal(t, "BTCUSD", evt.Data.(Quote).Symbol)
	case <-time.After(time.Second):
		t.Fatal("no quote event")
	}
}

func TestPricesReportsMissing(t *testing.T) {
	book := NewQuoteBook(nil, 0)
	require.NoError(t, book.Set("EURUSD", 1, 1))
	got, missing := Prices(context.Background(), book, []string{"EURUSD", "GBPUSD", "EURUSD", "XAUUSD", "GBPUSD", "GBPUSD"})
	assert.Equal(t, map[string]float64{"EURUSD": 1}, got)
	assert.Equal(t, []string{"GBPUSD", "XAUUSD"}, missing)
}

func TestStaticCatalog(t *testing.T) {
	cat := NewStaticCatalog([]Instrument{{Symbol: "eurusd", MinQty: decimal.NewFromFloat(0.01), MaxQty: decimal.NewFromInt(100), Status: InstrumentActive}})
	it, err := cat.Instrument(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.True(t, it.Tradable())
	_, err = cat.Instrument(context.Background(), "XAUUSD")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestPushQuotes(t *testing.T) {
	book := NewQuoteBook(nil, 0)
	h := NewHandler(book)
	body := `{"quotes":[{"symbol":"EURUSD","bid":1.1,"ask":1.2},{"symbol":"BAD","bid":0,"ask":1}]}`
	rec := httptest.NewRecorder()
	h.PushQuotes(rec, httptest.NewRequest(http.MethodPost, "/v1/internal/quotes", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applied":1`)
	_, ok := book.Quote("EURUSD")
	assert.True(t, ok)
}
