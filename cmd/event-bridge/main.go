package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/bridge"
	"github.com/radieske/vault-settlement/internal/coord"
	sharedcache "github.com/radieske/vault-settlement/internal/shared/cache"
	"github.com/radieske/vault-settlement/internal/shared/config"
	sharedkafka "github.com/radieske/vault-settlement/internal/shared/kafka"
	"github.com/radieske/vault-settlement/internal/shared/logger"
	"github.com/radieske/vault-settlement/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "event-bridge"
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisClient, err := sharedcache.ConnectRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatal("redis connect", zap.Error(err))
	}
	defer redisClient.Close()

	// Consumer group do bridge com commit manual
	reader := sharedkafka.NewReader(cfg.KafkaBrokers, cfg.TopicTxEvents, cfg.BridgeGroupID)
	defer reader.Close()

	reg := metrics.NewRegistry()
	forwarded := prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_events_forwarded_total", Help: "eventos gravados no stream"})
	errorsBy := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bridge_errors_total", Help: "erros por estágio"}, []string{"stage"})
	reg.MustRegister(forwarded, errorsBy)

	br := &bridge.Bridge{
		Log:         log.With(zap.String("component", "bridge")),
		Reader:      reader,
		Stream:      coord.NewStream(redisClient, cfg.StreamTxEvents, cfg.StreamTxEventsDLQ),
		OnForwarded: func() { forwarded.Inc() },
		OnError:     func(stage string) { errorsBy.WithLabelValues(stage).Inc() },
	}

	srv := metrics.StartMetricsServer(cfg.MetricsPort, reg, map[string]metrics.HealthFunc{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		"kafka": func(ctx context.Context) error { return sharedkafka.Ping(ctx, cfg.KafkaBrokers) },
	})
	log.Info("metrics/health listening", zap.String("addr", srv.Addr))

	log.Info("event-bridge started",
		zap.String("topic", cfg.TopicTxEvents),
		zap.String("group", cfg.BridgeGroupID),
		zap.String("stream", cfg.StreamTxEvents),
	)
	if err := br.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("bridge stopped with error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("event-bridge stopped")
}
