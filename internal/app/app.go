// Package app wires the services shared by the API server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"lv-margin/internal/audit"
	"lv-margin/internal/auth"
	"lv-margin/internal/config"
	"lv-margin/internal/db"
	"lv-margin/internal/liquidation"
	"lv-margin/internal/margin"
	"lv-margin/internal/marketdata"
	"lv-margin/internal/model"
	"lv-margin/internal/notify"
	"lv-margin/internal/orders"
	"lv-margin/internal/retry"
	"lv-margin/internal/store"
	"lv-margin/internal/store/memory"
	"lv-margin/internal/store/postgres"
	"lv-margin/internal/types"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type App struct {
	Config     config.Config
	Risk       config.RiskFile
	Log        zerolog.Logger
	Pool       *pgxpool.Pool
	Store      store.Store
	StoreKind  string
	Bus        *marketdata.Bus
	Quotes     *marketdata.QuoteBook
	Journal    *audit.Journal
	Dispatcher *notify.Dispatcher
	Auth       *auth.Service
	Orders     *orders.Service
	Engine     *liquidation.Engine
	Monitor    *margin.Monitor
}

// NewLogger builds the root logger: JSON in production, console output in development.
func NewLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var w io.Writer = out
	if cfg.AppMode != "production" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "lv-margin").Logger()
}

// Build connects the store and audit journal and constructs every service.
// Close releases what Build opened.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	rf, err := config.LoadRiskFile(cfg.RiskConfigFile)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Risk: rf, Log: logger}

	var catalog marketdata.Catalog = marketdata.NewStaticCatalog(rf.CatalogInstruments())
	if cfg.DBDSN != "" {
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Store, a.StoreKind = pg, "postgres"
		catalog = marketdata.NewPGCatalog(pool)
	} else {
		logger.Warn().Msg("DB_DSN not set, using in-memory store")
		a.Store, a.StoreKind = memory.New(), "memory"
	}

	journal, err := audit.Open(ctx, cfg.AuditDriver, cfg.AuditDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	a.Journal = journal

	a.Bus = marketdata.NewBus()
	a.Quotes = marketdata.NewQuoteBook(a.Bus, rf.Execution.MaxQuoteAge)
	a.Dispatcher = notify.NewDispatcher(cfg.NotifyQueueSize, logger, notify.NewLogSink(logger), notify.NewBusSink(a.Bus))
	a.Auth = auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)

	a.Orders = orders.NewService(a.Store, a.Quotes, catalog, orders.Config{
		Slippage:       decimal.NewFromFloat(rf.Execution.Slippage),
		CommissionRate: decimal.NewFromFloat(rf.Execution.CommissionRate),
		RatePerSecond:  rf.Execution.RatePerSecond,
		RateBurst:      rf.Execution.RateBurst,
		Timeout:        cfg.OrderTimeout,
	}, retry.Default(), logger)

	a.Engine = liquidation.NewEngine(a.Store, a.Quotes, a.Orders, a.Dispatcher, journal, liquidation.Config{
		BaseSlippage:       decimal.NewFromFloat(rf.Liquidation.BaseSlippage),
		SlippageMultiplier: decimal.NewFromFloat(rf.Liquidation.SlippageMultiplier),
	}, retry.Default(), logger)

	profiles, err := margin.ProfilesFromConfig(rf)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Monitor = margin.NewMonitor(a.Store, a.Quotes, profiles, a.Engine, a.Dispatcher, journal, cfg.MonitorConcurrency, logger)
	return a, nil
}

func (a *App) Close() {
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("close audit journal")
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// SeedDemo creates a funded demo account in the in-memory store. Accounts are
// otherwise provisioned outside this service.
func (a *App) SeedDemo(ctx context.Context, accountID, userID string, balance decimal.Decimal) error {
	if a.StoreKind != "memory" {
		return nil
	}
	accountID, userID = strings.TrimSpace(accountID), strings.TrimSpace(userID)
	if accountID == "" || userID == "" {
		return nil
	}
	now := time.Now().UTC()
	err := a.Store.CreateAccount(ctx, model.Account{
		ID:             accountID,
		UserID:         userID,
		Status:         types.AccountStatusActive,
		KYCApproved:    true,
		Balance:        balance,
		InitialBalance: balance,
		Equity:         balance,
		Leverage:       100,
		RiskProfile:    config.DefaultProfile,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return err
	}
	a.Log.Info().Str("account_id", accountID).Str("user_id", userID).Str("balance", balance.String()).Msg("demo account created")
	return nil
}
