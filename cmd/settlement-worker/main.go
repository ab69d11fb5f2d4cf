package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/leader"
	"github.com/radieske/vault-settlement/internal/platform"
	"github.com/radieske/vault-settlement/internal/settlement"
	"github.com/radieske/vault-settlement/internal/shared/config"
	sharedkafka "github.com/radieske/vault-settlement/internal/shared/kafka"
	"github.com/radieske/vault-settlement/internal/shared/logger"
	"github.com/radieske/vault-settlement/internal/shared/metrics"
	"github.com/radieske/vault-settlement/internal/stream"
)

func main() {
	// carrega config
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "settlement-worker"
	}

	// inicia logger
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	log.Info("starting service", zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))

	// Sinalização para shutdown gracioso (SIGINT/SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := metrics.NewRegistry()

	// conecta Postgres/Redis e monta ledger, oráculo, mutator, auditorias e breaker
	core, err := platform.New(ctx, cfg, log, reg, platform.Options{Signer: true})
	if err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	defer core.Close()
	log.Info("dependencies ready", zap.String("house_vault", core.Program.HouseVault.String()))

	// writer Kafka para os desfechos de liquidação
	outcomes := sharedkafka.NewWriter(cfg.KafkaBrokers, cfg.TopicSettlementOutcome)
	defer outcomes.Close()

	// Métricas do consumer do stream
	consumed := prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_events_consumed_total", Help: "eventos lidos do stream"})
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stream_events_applied_total", Help: "eventos aplicados por status"}, []string{"status"})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stream_dead_letters_total", Help: "eventos enviados ao dead-letter por motivo"}, []string{"reason"})
	errorsBy := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stream_errors_total", Help: "erros por estágio"}, []string{"stage"})
	reg.MustRegister(consumed, applied, deadLetters, errorsBy)

	consumer := &stream.Consumer{
		Log:          log.With(zap.String("component", "stream-consumer")),
		Stream:       core.Stream,
		Applier:      core.Mutator,
		BatchSize:    cfg.StreamBatchSize,
		Idle:         cfg.StreamIdle,
		OnConsumed:   func() { consumed.Inc() },
		OnApplied:    func(status string) { applied.WithLabelValues(status).Inc() },
		OnDeadLetter: func(reason string) { deadLetters.WithLabelValues(reason).Inc() },
		OnError:      func(stage string) { errorsBy.WithLabelValues(stage).Inc() },
	}

	drainer := settlement.NewDrainer(core.Ledger, core.Chain, core.Program, core.Breaker,
		settlement.NewKafkaPublisher(outcomes), core.Redis, settlement.Config{
			Interval:       cfg.SettlementInterval,
			BatchSize:      cfg.SettlementBatchSize,
			FetchLimit:     cfg.SettlementFetchLimit,
			RetryAfter:     cfg.SettlementRetryAfter,
			ChannelTrigger: cfg.ChannelSettlementKick,
		}, log, core.SettlementMetrics)

	sched := leader.NewScheduler(core.Redis, cfg.InstanceID, log, leader.NewMetrics(reg))
	for _, job := range jobs(core) {
		jc := cfg.Jobs[job.Name]
		job.Interval, job.TTL = jc.Interval, jc.TTL
		sched.Add(job)
	}
	log.Info("scheduler ready", zap.String("instance_id", sched.InstanceID()))

	// Servidor HTTP para métricas e health check
	checks := core.HealthChecks()
	checks["kafka"] = func(ctx context.Context) error { return sharedkafka.Ping(ctx, cfg.KafkaBrokers) }
	srv := metrics.StartMetricsServer(cfg.MetricsPort, reg, checks)
	log.Info("metrics/health listening", zap.String("addr", srv.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return drainer.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	log.Info("settlement-worker started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped with error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("settlement-worker stopped")
}

// jobs define os singletons executados só pelo líder de cada lease
func jobs(core *platform.Core) []leader.Job {
	return []leader.Job{
		{
			Name: config.JobPriceOracle,
			Run: func(ctx context.Context) error {
				_, err := core.Prices.Refresh(ctx)
				return err
			},
		},
		{
			Name: config.JobBankrollSafety,
			Run: func(ctx context.Context) error {
				st, err := core.Bankroll.Check(ctx)
				if err != nil {
					return err
				}
				if !st.Healthy {
					core.Alerts.Notify(ctx, alert.Alert{
						Key:      "bankroll-low",
						Severity: alert.SeverityCritical,
						Title:    "House bankroll below minimum",
						Message:  fmt.Sprintf("house vault holds $%s, minimum is $%s", st.USD, st.MinUSD),
						Fields: map[string]any{
							"houseVault": st.HouseVault,
							"lamports":   st.Lamports,
							"price":      st.Price.String(),
						},
					})
				}
				return nil
			},
		},
		{
			Name: config.JobPnLAudit,
			Run: func(ctx context.Context) error {
				_, err := core.Auditor.PnL(ctx)
				return err
			},
		},
		{
			Name: config.JobGemFairness,
			Run: func(ctx context.Context) error {
				_, err := core.Auditor.GemFairness(ctx)
				return err
			},
		},
		{
			Name: config.JobReconciliation,
			Run: func(ctx context.Context) error {
				_, err := core.Auditor.Reconcile(ctx)
				return err
			},
		},
	}
}
