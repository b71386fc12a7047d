package httpserver

import (
	"net/http"

	"lv-margin/internal/auth"
	"lv-margin/internal/health"
	"lv-margin/internal/liquidation"
	"lv-margin/internal/margin"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/orders"
	"lv-margin/internal/ratelimit"
	"lv-margin/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	AuthService        *auth.Service
	Store              store.Store
	OrderHandler       *orders.Handler
	RiskHandler        *margin.Handler
	LiquidationHandler *liquidation.Handler
	QuoteHandler       *marketdata.Handler
	HealthHandler      *health.Handler
	RiskStream         http.Handler
	Limiter            *ratelimit.Keyed
	InternalToken      string
	OperatorSecretHash string
	Origin             string
	Logger             zerolog.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Logger))
	r.Use(CORS(d.Origin))
	r.Use(SecurityHeaders)
	if d.Limiter != nil {
		r.Use(RateLimit(d.Limiter))
	}

	r.Get("/health", d.HealthHandler.Live)
	r.Get("/health/ready", d.HealthHandler.Ready)
	r.Get("/health/full", d.HealthHandler.Full)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService, d.Store))
			r.Post("/orders", account(d.OrderHandler.Execute))
			r.Get("/positions", account(d.OrderHandler.Positions))
			r.Post("/positions/{id}/close", account(d.OrderHandler.Close))
			r.Post("/risk/check", account(d.RiskHandler.Check))
		})
		r.Group(func(r chi.Router) {
			r.Use(OperatorAuth(d.OperatorSecretHash, false))
			r.Get("/risk/check", d.RiskHandler.CheckAll)
			r.Post("/operator/liquidations", d.LiquidationHandler.Execute)
			r.Get("/operator/liquidations/{id}", d.LiquidationHandler.Get)
			r.Post("/operator/liquidations/{id}/resume", d.LiquidationHandler.Resume)
		})
		r.With(OperatorAuth(d.OperatorSecretHash, true)).Get("/operator/ws", d.RiskStream.ServeHTTP)
		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Post("/internal/quotes", d.QuoteHandler.PushQuotes)
		})
	})
	return r
}
