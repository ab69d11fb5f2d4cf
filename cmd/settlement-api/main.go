package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/radieske/vault-settlement/internal/api/http"
	"github.com/radieske/vault-settlement/internal/api/ws"
	"github.com/radieske/vault-settlement/internal/platform"
	"github.com/radieske/vault-settlement/internal/shared/config"
	"github.com/radieske/vault-settlement/internal/shared/logger"
	"github.com/radieske/vault-settlement/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "settlement-api"
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := metrics.NewRegistry()

	// a API não assina liquidações; a chave da authority fica só no worker
	core, err := platform.New(ctx, cfg, log, reg, platform.Options{})
	if err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	defer core.Close()

	// Hub WebSocket recebe balance_changed via Redis Pub/Sub
	hub := ws.NewHub(func(r *http.Request) bool { return true }, log)
	ws.StartRedisSubscriber(ctx, core.Redis, cfg.ChannelBalanceChanged, hub)

	api := &httpapi.API{
		Log:          log.With(zap.String("component", "http")),
		Redis:        core.Redis,
		Applier:      core.Mutator,
		Stream:       core.Stream,
		Ledger:       core.Ledger,
		Balances:     core.Balances,
		Auditor:      core.Auditor,
		Bankroll:     core.Bankroll,
		Prices:       core.Prices,
		Circuit:      core.Breaker,
		Hub:          hub,
		Jobs:         config.JobNames,
		ApplyTimeout: 5 * time.Second,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	msrv := metrics.StartMetricsServer(cfg.MetricsPort, reg, core.HealthChecks())
	log.Info("metrics/health listening", zap.String("addr", msrv.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("settlement-api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = msrv.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped with error", zap.Error(err))
	}
	log.Info("settlement-api stopped")
}
