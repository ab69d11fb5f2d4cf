// Package audit roda as auditorias periódicas do ledger: reconciliação com a chain,
// RTP da casa e fairness do sorteio de gemas. Cada resultado é publicado no Redis com TTL.
package audit

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/gems"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
)

// Store é o recorte do ledger usado pelas auditorias
type Store interface {
	ListReconCandidates(ctx context.Context) ([]repo.ReconCandidate, error)
	WagerTotals(ctx context.Context, since time.Time) (repo.WagerTotals, error)
	ListGemStats(ctx context.Context) ([]repo.GemStats, error)
}

// BalanceReader lê saldo on-chain em lamports
type BalanceReader interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

const (
	NameReconciliation = "reconciliation"
	NamePnL            = "pnl"
	NameGemFairness    = "gem-fairness"
)

type Config struct {
	VaultInitLamports int64
	ReconTolerance    int64
	ReconConcurrency  int

	RTPMin       float64
	RTPMax       float64
	RTPMinSample int64
	RTPWindow    time.Duration

	FairnessTolerance   float64
	FairnessMinExpected float64

	// TTL dos resultados publicados (3x o intervalo do job)
	ReconTTL    time.Duration
	PnLTTL      time.Duration
	FairnessTTL time.Duration
}

type Auditor struct {
	store   Store
	chain   BalanceReader
	stash   *gems.Stash
	rdb     *redis.Client
	alerts  alert.Notifier
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewAuditor(store Store, chain BalanceReader, stash *gems.Stash, rdb *redis.Client, alerts alert.Notifier,
	cfg Config, log *zap.Logger, m *Metrics) *Auditor {
	if cfg.ReconConcurrency <= 0 {
		cfg.ReconConcurrency = 8
	}
	if cfg.RTPMin == 0 && cfg.RTPMax == 0 {
		cfg.RTPMin, cfg.RTPMax = 0.85, 1.05
	}
	if cfg.RTPWindow <= 0 {
		cfg.RTPWindow = 24 * time.Hour
	}
	if cfg.FairnessTolerance <= 1 {
		cfg.FairnessTolerance = 3
	}
	return &Auditor{
		store:   store,
		chain:   chain,
		stash:   stash,
		rdb:     rdb,
		alerts:  alerts,
		cfg:     cfg,
		log:     log.With(zap.String("component", "audit")),
		metrics: m,
		now:     time.Now,
	}
}

// publish grava o resultado e atualiza métricas; falha de publicação não invalida a auditoria
func (a *Auditor) publish(ctx context.Context, name, key string, v any, ttl time.Duration, healthy bool) error {
	if a.metrics != nil {
		a.metrics.Runs.WithLabelValues(name, "ok").Inc()
		if healthy {
			a.metrics.Healthy.WithLabelValues(name).Set(1)
		} else {
			a.metrics.Healthy.WithLabelValues(name).Set(0)
		}
	}
	return coord.PublishJSON(ctx, a.rdb, key, v, ttl)
}

func (a *Auditor) failed(name string) {
	if a.metrics != nil {
		a.metrics.Runs.WithLabelValues(name, "error").Inc()
	}
}

func (a *Auditor) notify(ctx context.Context, al alert.Alert) {
	if a.alerts != nil {
		a.alerts.Notify(ctx, al)
	}
}

// Last lê o último resultado publicado de uma auditoria
func Last(ctx context.Context, rdb *redis.Client, name string, dst any) (bool, error) {
	key, ok := keys[name]
	if !ok {
		return false, nil
	}
	return coord.ReadJSON(ctx, rdb, key, dst)
}

var keys = map[string]string{
	NameReconciliation: coord.ReconciliationKey,
	NamePnL:            coord.PnLKey,
	NameGemFairness:    coord.GemFairnessKey,
}
