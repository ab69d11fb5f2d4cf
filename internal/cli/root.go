// Package cli implementa o vaultctl: codificação de instruções, auditorias sob demanda,
// inspeção de leases, stream/dead-letter e operação do circuit breaker.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/audit"
	"github.com/radieske/vault-settlement/internal/oracle"
	"github.com/radieske/vault-settlement/internal/platform"
	"github.com/radieske/vault-settlement/internal/shared/cache"
	"github.com/radieske/vault-settlement/internal/shared/config"
)

// RootOptions guarda as flags globais
type RootOptions struct {
	Format  string // "json" | "text"
	Program string // program id do vault (default: VAULT_PROGRAM_ID)
}

var validFormats = []string{"json", "text"}

// Audits é o que o comando audit precisa; em produção vem do platform.Core
type Audits interface {
	Reconcile(ctx context.Context) (audit.ReconReport, error)
	PnL(ctx context.Context) (audit.PnLReport, error)
	GemFairness(ctx context.Context) (audit.FairnessReport, error)
	Bankroll(ctx context.Context) (oracle.BankrollStatus, error)
}

// Env fornece configuração e conexões aos comandos; testes trocam por miniredis e fakes
type Env struct {
	Config config.Config
	Log    *zap.Logger
	Redis  func(ctx context.Context) (*redis.Client, error)
	Audits func(ctx context.Context) (Audits, func(), error)
}

// DefaultEnv conecta nos serviços reais descritos pela config
func DefaultEnv(cfg config.Config, log *zap.Logger) *Env {
	return &Env{
		Config: cfg,
		Log:    log,
		Redis: func(ctx context.Context) (*redis.Client, error) {
			return cache.ConnectRedis(ctx, cfg.RedisAddr)
		},
		Audits: func(ctx context.Context) (Audits, func(), error) {
			core, err := platform.New(ctx, cfg, log, nil, platform.Options{})
			if err != nil {
				return nil, nil, err
			}
			return coreAudits{core: core}, core.Close, nil
		},
	}
}

type coreAudits struct{ core *platform.Core }

func (c coreAudits) Reconcile(ctx context.Context) (audit.ReconReport, error) {
	return c.core.Auditor.Reconcile(ctx)
}

func (c coreAudits) PnL(ctx context.Context) (audit.PnLReport, error) { return c.core.Auditor.PnL(ctx) }

func (c coreAudits) GemFairness(ctx context.Context) (audit.FairnessReport, error) {
	return c.core.Auditor.GemFairness(ctx)
}

func (c coreAudits) Bankroll(ctx context.Context) (oracle.BankrollStatus, error) {
	return c.core.Bankroll.Check(ctx)
}

// NewRootCommand cria o comando raiz do vaultctl
func NewRootCommand(env *Env) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operational tooling for the vault settlement worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "json", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Program, "program", env.Config.VaultProgramID, "vault program id")

	cmd.AddCommand(newEncodeCommand(opts))
	cmd.AddCommand(newDecodeCommand(opts))
	cmd.AddCommand(newPDACommand(opts))
	cmd.AddCommand(newAuditCommand(opts, env))
	cmd.AddCommand(newLeasesCommand(opts, env))
	cmd.AddCommand(newStreamCommand(opts, env))
	cmd.AddCommand(newCircuitCommand(opts, env))

	return cmd
}

// withRedis abre o Redis, executa fn e fecha a conexão
func withRedis(ctx context.Context, env *Env, fn func(rdb *redis.Client) error) error {
	rdb, err := env.Redis(ctx)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()
	return fn(rdb)
}
