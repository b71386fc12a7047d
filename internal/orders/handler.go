package orders

import (
	"encoding/json"
	"net/http"

	"lv-margin/internal/httputil"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Execute serves executeOrder for the authenticated account.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request, accountID string) {
	var req ExecuteRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error(), ErrorCode: CodeValidation})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	out, err := h.svc.ExecuteOrder(r.Context(), accountID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, out.Raw, out.Replayed)
}

// Close serves the trader-initiated position close.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request, accountID string) {
	var req UserCloseRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error(), ErrorCode: CodeValidation})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	out, err := h.svc.ClosePosition(r.Context(), accountID, chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, out.Raw, out.Replayed)
}

func (h *Handler) Positions(w http.ResponseWriter, r *http.Request, accountID string) {
	p, err := h.svc.Portfolio(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func writeOutcome(w http.ResponseWriter, raw json.RawMessage, replayed bool) {
	if replayed {
		w.Header().Set("Idempotent-Replay", "true")
	}
	httputil.WriteRawJSON(w, http.StatusOK, raw)
}

func writeError(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	httputil.WriteJSON(w, StatusCode(code), httputil.ErrorResponse{Error: MessageOf(err), ErrorCode: code})
}
