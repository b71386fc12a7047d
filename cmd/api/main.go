package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lv-margin/internal/app"
	"lv-margin/internal/config"
	"lv-margin/internal/health"
	"lv-margin/internal/httpserver"
	"lv-margin/internal/liquidation"
	"lv-margin/internal/margin"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/orders"
	"lv-margin/internal/ratelimit"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		zlog.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	logger := app.NewLogger(cfg, os.Stdout)
	zlog.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()
	if err := a.SeedDemo(ctx, cfg.DemoAccountID, cfg.DemoUserID, decimal.NewFromInt(10000)); err != nil {
		logger.Fatal().Err(err).Msg("seed demo account")
	}

	go a.Dispatcher.Run(ctx)
	if cfg.DemoFeedInterval > 0 {
		feed := marketdata.NewDemoFeed(a.Quotes, a.Risk.DemoPrices(), 0.0005, 0.0002, time.Now().UnixNano(), logger)
		go feed.Run(ctx, cfg.DemoFeedInterval)
	}
	go a.Monitor.Run(ctx, cfg.MonitorInterval)

	limiter := ratelimit.New(20, 40)
	go sweep(ctx, logger, limiter.Sweep, a.Orders.SweepRateLimits)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthService:        a.Auth,
		Store:              a.Store,
		OrderHandler:       orders.NewHandler(a.Orders),
		RiskHandler:        margin.NewHandler(a.Monitor),
		LiquidationHandler: liquidation.NewHandler(a.Engine),
		QuoteHandler:       marketdata.NewHandler(a.Quotes),
		HealthHandler:      health.NewHandler(a.Store, a.Pool, time.Now(), cfg.AppMode, a.StoreKind, cfg.HTTPAddr, cfg.InternalToken),
		RiskStream:         httpserver.NewRiskStreamHandler(a.Bus, cfg.WebSocketOrigin, logger),
		Limiter:            limiter,
		InternalToken:      cfg.InternalToken,
		OperatorSecretHash: cfg.OperatorSecretHash,
		Origin:             cfg.WebSocketOrigin,
		Logger:             logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", cfg.HTTPAddr).Str("store", a.StoreKind).Str("mode", cfg.AppMode).
		Dur("monitor_interval", cfg.MonitorInterval).Msg("server listening")
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http server")
	}
	logger.Info().Int64("notifications_dropped", a.Dispatcher.Dropped()).Msg("server stopped")
}

// sweep prunes idle rate limiter buckets once a minute.
func sweep(ctx context.Context, logger zerolog.Logger, sweepers ...func(time.Duration) int) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := 0
			for _, fn := range sweepers {
				n += fn(3 * time.Minute)
			}
			if n > 0 {
				logger.Debug().Int("keys", n).Msg("rate limiters pruned")
			}
		}
	}
}
