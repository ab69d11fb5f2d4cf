package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/radieske/vault-settlement/internal/audit"
	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/oracle"
)

const nameBankroll = "bankroll"

var auditNames = []string{audit.NameReconciliation, audit.NamePnL, audit.NameGemFairness, nameBankroll}

func newAuditCommand(root *RootOptions, env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run audits once or read the last published result",
	}
	cmd.AddCommand(newAuditRun(root, env))
	cmd.AddCommand(newAuditLast(root, env))
	return cmd
}

func newAuditRun(root *RootOptions, env *Env) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:       "run <reconciliation|pnl|gem-fairness|bankroll>",
		Short:     "Run an audit now and publish its result",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: auditNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, closeFn, err := env.Audits(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			res, healthy, err := runAudit(ctx, a, args[0])
			if err != nil {
				return err
			}
			return newPrinter(root, cmd.OutOrStdout()).print(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s healthy=%t\n", args[0], healthy)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "audit timeout")
	return cmd
}

func runAudit(ctx context.Context, a Audits, name string) (any, bool, error) {
	switch name {
	case audit.NameReconciliation:
		r, err := a.Reconcile(ctx)
		return r, r.Healthy, err
	case audit.NamePnL:
		r, err := a.PnL(ctx)
		return r, r.Healthy, err
	case audit.NameGemFairness:
		r, err := a.GemFairness(ctx)
		return r, r.Healthy, err
	case nameBankroll:
		r, err := a.Bankroll(ctx)
		return r, r.Healthy, err
	}
	return nil, false, fmt.Errorf("unknown audit %q", name)
}

func newAuditLast(root *RootOptions, env *Env) *cobra.Command {
	return &cobra.Command{
		Use:       "last <reconciliation|pnl|gem-fairness|bankroll>",
		Short:     "Show the last published audit result",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: auditNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRedis(cmd.Context(), env, func(rdb *redis.Client) error {
				res, ok, err := lastAudit(cmd.Context(), rdb, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no published result for %s", args[0])
				}
				return newPrinter(root, cmd.OutOrStdout()).print(res, nil)
			})
		},
	}
}

func lastAudit(ctx context.Context, rdb *redis.Client, name string) (any, bool, error) {
	var dst any
	switch name {
	case audit.NameReconciliation:
		dst = &audit.ReconReport{}
	case audit.NamePnL:
		dst = &audit.PnLReport{}
	case audit.NameGemFairness:
		dst = &audit.FairnessReport{}
	case nameBankroll:
		var st oracle.BankrollStatus
		ok, err := coord.ReadJSON(ctx, rdb, coord.BankrollKey, &st)
		return st, ok, err
	default:
		return nil, false, fmt.Errorf("unknown audit %q", name)
	}
	ok, err := audit.Last(ctx, rdb, name, dst)
	return dst, ok, err
}
