package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"lv-margin/internal/marketdata"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const riskEventPrefix = "risk."

// RiskStreamHandler streams margin call and liquidation notifications to operators.
type RiskStreamHandler struct {
	bus      *marketdata.Bus
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewRiskStreamHandler(bus *marketdata.Bus, origin string, logger zerolog.Logger) *RiskStreamHandler {
	return &RiskStreamHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
		log: logger.With().Str("component", "risk_stream").Logger(),
	}
}

type wsControlMessage struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`
}

// ServeHTTP forwards risk events. A client may narrow the stream to one account with
// {"type":"filter","account_id":"..."} and widen it again with an empty id.
func (h *RiskStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe(riskEventPrefix)
	defer h.bus.Unsubscribe(sub)

	var (
		filterMu sync.RWMutex
		filter   = strings.TrimSpace(r.URL.Query().Get("account_id"))
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl wsControlMessage
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(ctrl.Type), "filter") {
				filterMu.Lock()
				filter = strings.TrimSpace(ctrl.AccountID)
				filterMu.Unlock()
			}
		}
	}()

	h.log.Info().Str("remote", clientIP(r)).Msg("operator stream connected")
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			filterMu.RLock()
			want := filter
			filterMu.RUnlock()
			if want != "" && evt.AccountID != want {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
