package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mid-D-Man/AirCode-sub001/internal/app"
	"github.com/Mid-D-Man/AirCode-sub001/internal/auth"
	"github.com/Mid-D-Man/AirCode-sub001/internal/config"
	"github.com/Mid-D-Man/AirCode-sub001/internal/httpmiddleware"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	master, err := app.MasterKey(cfg, logger)
	if err != nil {
		return err
	}
	eng, err := app.NewEngine(cfg, backends, master, logger)
	if err != nil {
		return err
	}
	defer eng.Service.Close()

	if err := eng.Service.Resume(ctx); err != nil {
		return err
	}

	if cfg.SyncEmbedded {
		if n, err := eng.Store.Recover(ctx); err != nil {
			logger.Warn("recover interrupted sync failed", "error", err)
		} else if n > 0 {
			logger.Info("recovered interrupted sync records", "count", n)
		}
		if err := eng.Reconciler.Start(ctx); err != nil {
			return err
		}
		defer eng.Reconciler.Stop()
		go func() {
			if err := eng.Reconciler.ConsumeTriggers(ctx, backends.Queue); err != nil {
				logger.Error("sync trigger consumer stopped", "error", err)
			}
		}()
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if backends.Redis != nil {
		limiter = httpmiddleware.NewRedisWindow(backends.Redis.Client, cfg.RateLimitPerMin)
	}

	s := &server{
		svc:   eng.Service,
		store: eng.Store,
		rec:   eng.Reconciler,
		queue: backends.Queue,
		signer: auth.Signer{
			Issuer:     cfg.JWTIssuer,
			Key:        []byte(cfg.JWTSigningKey),
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		limiter:  limiter,
		embedded: cfg.SyncEmbedded,
		health:   backends.Health,
		logger:   logger.With("component", "http"),
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "sync_embedded", cfg.SyncEmbedded)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", "error", err)
	}
	logger.Info("server exited")
	return nil
}
