package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeforge/internal/backtest"
	"tradeforge/internal/broker"
	"tradeforge/internal/config"
	"tradeforge/internal/feed"
	"tradeforge/internal/httpapi"
	"tradeforge/internal/live"
	"tradeforge/internal/notify"
	"tradeforge/internal/schedule"
	"tradeforge/internal/store"
	"tradeforge/internal/util"
)

func main() {
	cfgPath := "config/tradeforge.yaml"
	if p := os.Getenv("TRADEFORGE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	env := cfg.Environment()

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open sqlite store: %v", err)
	}
	defer db.Close()
	archive := store.NewParquetStore(cfg.Storage.DataDir)

	// REST and websocket calls share one per-key budget.
	limiter := util.NewRateLimiter(cfg.Backfill.RateLimitPerMin, 10)
	gateway := broker.NewBinanceGateway(env, cfg.Binance.APIKey, cfg.Binance.APISecret, limiter, logger)
	source := feed.NewBinanceSource(env, limiter, logger)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.BotToken != "" {
		notifier = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
	}

	controller := live.NewController(gateway, source, db, db, notifier, live.Config{
		QuoteAsset:         cfg.Trading.QuoteAsset,
		AllocationFraction: cfg.Trading.AllocationFraction,
		FeeRate:            cfg.Trading.FeeRate,
	}, logger)

	backfiller := schedule.NewBackfiller(source, archive, env, cfg.Backfill.Jobs, logger)
	if len(cfg.Backfill.Jobs) > 0 {
		if err := backfiller.Register(cfg.Backfill.Cron); err != nil {
			log.Fatalf("failed to schedule backfill: %v", err)
		}
		backfiller.Start()
		defer backfiller.Stop()
	}

	api := httpapi.NewServer(db, db, db, archive, controller, backtest.New(logger), httpapi.Config{
		Environment:    env,
		DefaultBalance: cfg.Trading.InitialBalance,
		DefaultFeeRate: cfg.Trading.FeeRate,
	}, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tradeforge server listening", "addr", addr, "environment", env)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Live runs stop first so their final state is persisted before the
	// database closes.
	controller.StopAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("http shutdown", "error", err)
	}
}
