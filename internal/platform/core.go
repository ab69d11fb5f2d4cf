// Package platform monta as dependências compartilhadas pelos binários do settlement
// (conexões, ledger, oráculo, mutator, auditorias e circuit breaker).
package platform

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/audit"
	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/gems"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
	"github.com/radieske/vault-settlement/internal/mutator"
	"github.com/radieske/vault-settlement/internal/oracle"
	"github.com/radieske/vault-settlement/internal/settlement"
	"github.com/radieske/vault-settlement/internal/shared/cache"
	"github.com/radieske/vault-settlement/internal/shared/config"
	"github.com/radieske/vault-settlement/internal/shared/db"
	"github.com/radieske/vault-settlement/internal/shared/metrics"
	"github.com/radieske/vault-settlement/internal/vault"
	"github.com/radieske/vault-settlement/internal/vault/chain"
)

const balanceCacheTTL = 24 * time.Hour

// Options controla o que cada binário precisa além do núcleo
type Options struct {
	// Signer exige VAULT_AUTHORITY_KEY; só o worker assina liquidações
	Signer bool
}

// Core agrupa o que worker, API e CLI compartilham
type Core struct {
	Config config.Config
	Log    *zap.Logger

	PG     *sql.DB
	Redis  *redis.Client
	Ledger *repo.Postgres
	Stream *coord.Stream

	Chain   *chain.Client
	Program *vault.Program

	Alerts   *alert.Webhook
	Balances *coord.BalanceCache
	Stash    *gems.Stash
	Prices   *oracle.PriceService
	Bankroll *oracle.Bankroll
	Mutator  *mutator.Service
	Auditor  *audit.Auditor
	Breaker  *settlement.Breaker

	SettlementMetrics *settlement.Metrics
}

// New conecta Postgres e Redis e monta os componentes do domínio.
// reg recebe os coletores de cada componente (nil => registry descartável).
func New(ctx context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer, opts Options) (*Core, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	programID, err := solana.PublicKeyFromBase58(cfg.VaultProgramID)
	if err != nil {
		return nil, fmt.Errorf("vault program id: %w", err)
	}

	var signer solana.PrivateKey
	authority := solana.PublicKey{}
	if opts.Signer {
		signer, err = solana.PrivateKeyFromBase58(cfg.AuthorityKey)
		if err != nil {
			return nil, fmt.Errorf("authority key: %w", err)
		}
		if len(signer) != 64 {
			return nil, fmt.Errorf("authority key: expected 64 bytes, got %d", len(signer))
		}
		authority = signer.PublicKey()
	}
	program, err := vault.NewProgram(programID, authority)
	if err != nil {
		return nil, err
	}

	pg, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}

	c := &Core{
		Config:  cfg,
		Log:     log,
		PG:      pg,
		Redis:   rdb,
		Ledger:  repo.NewPostgres(pg),
		Stream:  coord.NewStream(rdb, cfg.StreamTxEvents, cfg.StreamTxEventsDLQ),
		Chain:   chain.New(cfg.SolanaRPCURL, signer, cfg.ConfirmTimeout, log),
		Program: program,
	}

	c.Alerts = alert.New(cfg.AlertWebhookURL, rdb, cfg.AlertCooldown, cfg.ServiceName, log)
	c.Balances = coord.NewBalanceCache(rdb, balanceCacheTTL)
	c.Stash = gems.NewStash(rdb, cfg.GemStashTTL)

	oracleMetrics := oracle.NewMetrics(reg)
	sources := []oracle.Source{oracle.NewHermesSource(cfg.PythHermesURL, cfg.PythFeedID)}
	if cfg.PythPriceAccount != "" {
		pk, err := solana.PublicKeyFromBase58(cfg.PythPriceAccount)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("pyth price account: %w", err)
		}
		sources = append(sources, &oracle.AccountSource{Chain: c.Chain, Account: pk})
	}
	sources = append(sources, oracle.NewCoinGeckoSource(cfg.CoinGeckoURL))
	c.Prices = oracle.NewPriceService(sources, rdb, c.Ledger, cfg.PriceCacheTTL, log, oracleMetrics)
	c.Bankroll = oracle.NewBankroll(c.Chain, program.HouseVault, c.Prices, cfg.BankrollMinUSD,
		rdb, resultTTL(cfg, config.JobBankrollSafety), log, oracleMetrics)

	c.Mutator = mutator.NewService(c.Ledger, rdb, c.Prices, gems.NewLottery(cfg.GemReferralRate), c.Stash, c.Balances,
		mutator.Config{
			StakeTTL:       cfg.StakeTTL,
			ClaimTTL:       cfg.EventClaimTTL,
			TriggerDepth:   cfg.SettlementTriggerDepth,
			ChannelBalance: cfg.ChannelBalanceChanged,
			ChannelTrigger: cfg.ChannelSettlementKick,
		}, log, mutator.NewMetrics(reg))

	c.Auditor = audit.NewAuditor(c.Ledger, c.Chain, c.Stash, rdb, c.Alerts, audit.Config{
		VaultInitLamports:   cfg.VaultInitLamports,
		ReconTolerance:      cfg.ReconToleranceLamports,
		RTPMin:              cfg.RTPMin,
		RTPMax:              cfg.RTPMax,
		RTPMinSample:        cfg.RTPMinSample,
		RTPWindow:           cfg.RTPWindow,
		FairnessTolerance:   cfg.FairnessTolerance,
		FairnessMinExpected: cfg.FairnessMinExpected,
		ReconTTL:            resultTTL(cfg, config.JobReconciliation),
		PnLTTL:              resultTTL(cfg, config.JobPnLAudit),
		FairnessTTL:         resultTTL(cfg, config.JobGemFairness),
	}, log, audit.NewMetrics(reg))

	c.SettlementMetrics = settlement.NewMetrics(reg)
	c.Breaker = settlement.NewBreaker(rdb, cfg.BreakerThreshold, cfg.BreakerCooldown, c.Alerts, log, c.SettlementMetrics)

	return c, nil
}

// HealthChecks devolve as checagens do /healthz
func (c *Core) HealthChecks() map[string]metrics.HealthFunc {
	return map[string]metrics.HealthFunc{
		"postgres": c.PG.PingContext,
		"redis":    func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() },
	}
}

// Close fecha as conexões abertas por New
func (c *Core) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.PG != nil {
		_ = c.PG.Close()
	}
}

// resultTTL: resultados publicados valem 3x o intervalo do job
func resultTTL(cfg config.Config, job string) time.Duration {
	iv := cfg.Jobs[job].Interval
	if iv <= 0 {
		iv = time.Minute
	}
	return 3 * iv
}
