package liquidation

import (
	"errors"
	"net/http"
	"strings"

	"lv-margin/internal/httputil"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/store"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type executeResponse struct {
	Summary
	AlreadyInProgress bool `json:"alreadyInProgress,omitempty"`
}

// Execute is the operator-initiated liquidation. It follows the same path and
// idempotency guards as the automatic trigger.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error(), ErrorCode: "VALIDATION_ERROR"})
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "accountId is required", ErrorCode: "VALIDATION_ERROR"})
		return
	}
	req.Manual = true
	res, err := h.engine.Trigger(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Started {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, executeResponse{Summary: Summarize(res.Event), AlreadyInProgress: !res.Started && !res.Event.Status.Terminal()})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ev, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ev)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	ev, err := h.engine.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, Summarize(ev))
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, marketdata.ErrPriceUnavailable):
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: err.Error(), ErrorCode: "PRICE_UNAVAILABLE"})
	case errors.Is(err, ErrMarginCallMismatch):
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: err.Error(), ErrorCode: "MARGIN_CALL_MISMATCH"})
	case store.IsNotFound(err):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "not found", ErrorCode: "NOT_FOUND"})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "liquidation failed", ErrorCode: "PERSISTENCE_ERROR"})
	}
}
