package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/unitex/params"
	"github.com/uhyunpark/unitex/pkg/api"
	"github.com/uhyunpark/unitex/pkg/exchange"
	"github.com/uhyunpark/unitex/pkg/storage"
	"github.com/uhyunpark/unitex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	// ---- Ledger store ----
	store, err := storage.NewStore(cfg.Ledger.Path)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "path", cfg.Ledger.Path, "err", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			sugar.Errorw("ledger_close_failed", "err", err)
		}
	}()
	sugar.Infow("ledger_opened", "path", cfg.Ledger.Path)

	// ---- Exchange ----
	locks := exchange.NewLocks()
	clock := util.RealClock{}
	gate := exchange.NewGate(store, locks, clock, sugar)
	admin := exchange.NewAdmin(store, locks, sugar)
	engine := exchange.NewEngine(cfg.Settlement, store, locks, clock, sugar)

	// ---- API Server ----
	apiServer := api.NewServer(gate, admin, engine, cfg.API, sugar)

	// Broadcast trades to websocket subscribers as they commit
	engine.OnTrade = apiServer.BroadcastTrade

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiServer.Start(gctx)
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})

	sugar.Infow("node_started", "api_addr", cfg.API.Addr, "ledger", cfg.Ledger.Path)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("node_failed", "err", err)
		return
	}
	sugar.Infow("node_stopped")
}
