package margin

import (
	"net/http"
	"time"

	"lv-margin/internal/httputil"
	"lv-margin/internal/store"
)

type Handler struct {
	monitor *Monitor
}

func NewHandler(monitor *Monitor) *Handler {
	return &Handler{monitor: monitor}
}

// Check runs an on-demand risk check for the caller's account.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request, accountID string) {
	rep, err := h.monitor.CheckAccount(r.Context(), accountID)
	if err != nil {
		if store.IsNotFound(err) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "account not found", ErrorCode: "NOT_FOUND"})
			return
		}
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "risk check failed", ErrorCode: "PERSISTENCE_ERROR"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}

type batchResponse struct {
	Accounts  []Report  `json:"accounts"`
	CheckedAt time.Time `json:"checkedAt"`
}

// CheckAll runs a full monitor pass. It is the scheduled/batch entry point.
func (h *Handler) CheckAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.monitor.RunPass(r.Context())
	if err != nil && reports == nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "risk check failed", ErrorCode: "PERSISTENCE_ERROR"})
		return
	}
	if reports == nil {
		reports = []Report{}
	}
	httputil.WriteJSON(w, http.StatusOK, batchResponse{Accounts: reports, CheckedAt: h.monitor.now()})
}
