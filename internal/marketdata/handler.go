package marketdata

import (
	"net/http"

	"lv-margin/internal/httputil"
)

type Handler struct {
	book *QuoteBook
}

func NewHandler(book *QuoteBook) *Handler {
	return &Handler{book: book}
}

type quoteRequest struct {
	Quotes []struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
	} `json:"quotes"`
}

// PushQuotes accepts a batch of quotes from a feed. Invalid entries are reported, valid ones applied.
func (h *Handler) PushQuotes(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error(), ErrorCode: "VALIDATION_ERROR"})
		return
	}
	applied := 0
	rejected := make([]string, 0)
	for _, q := range req.Quotes {
		if err := h.book.Set(q.Symbol, q.Bid, q.Ask); err != nil {
			rejected = append(rejected, err.Error())
			continue
		}
		applied++
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"applied": applied, "rejected": rejected})
}
