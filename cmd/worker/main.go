package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/Mid-D-Man/AirCode-sub001/internal/app"
	"github.com/Mid-D-Man/AirCode-sub001/internal/config"
)

// Worker reconciles offline records with the remote store: on a timer, on
// queued triggers, and with a cron-driven retention sweep. Run it with
// SYNC_EMBEDDED=false on the API so only one process syncs.
func main() {
	cfg := config.Load()
	logger := cfg.Logger(os.Stdout).With("process", "worker")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func run(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()
	if err := app.CheckShared(cfg, backends); err != nil {
		return err
	}

	master, err := app.MasterKey(cfg, logger)
	if err != nil {
		return err
	}
	eng, err := app.NewEngine(cfg, backends, master, logger)
	if err != nil {
		return err
	}

	if n, err := eng.Store.Recover(ctx); err != nil {
		logger.Warn("recover interrupted sync failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered interrupted sync records", "count", n)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := eng.ScheduleSweep(c, cfg.RetentionSweep, cfg.PurgeSynced, logger); err != nil {
		return err
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	if err := eng.Reconciler.Start(ctx); err != nil {
		return err
	}
	defer eng.Reconciler.Stop()

	logger.Info("worker started", "interval", cfg.SyncInterval, "sweep", cfg.RetentionSweep)
	if err := eng.Reconciler.ConsumeTriggers(ctx, backends.Queue); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
