package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/leader"
	"github.com/radieske/vault-settlement/internal/settlement"
	"github.com/radieske/vault-settlement/internal/shared/config"
)

func newLeasesCommand(root *RootOptions, env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "Show the current holder of each singleton job lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRedis(cmd.Context(), env, func(rdb *redis.Client) error {
				leases, err := leader.Leases(cmd.Context(), rdb, config.JobNames)
				if err != nil {
					return err
				}
				return newPrinter(root, cmd.OutOrStdout()).print(leases, func(w io.Writer) error {
					rows := make([][]string, 0, len(leases))
					for _, l := range leases {
						holder, ttl := l.Holder, l.ExpiresIn.Round(time.Millisecond).String()
						if holder == "" {
							holder, ttl = "-", "-"
						}
						rows = append(rows, []string{l.Job, holder, ttl})
					}
					return table(w, []string{"JOB", "HOLDER", "EXPIRES IN"}, rows)
				})
			})
		},
	}
}

// StreamStats é a saída de `vaultctl stream stats`
type StreamStats struct {
	Stream      string `json:"stream"`
	Length      int64  `json:"length"`
	DeadLetter  string `json:"deadLetter"`
	DeadLetters int64  `json:"deadLetters"`
}

func newStreamCommand(root *RootOptions, env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect the event stream and its dead-letter",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show stream and dead-letter lengths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStream(cmd.Context(), env, func(s *coord.Stream) error {
				n, err := s.Len(cmd.Context())
				if err != nil {
					return err
				}
				d, err := s.DeadLetterLen(cmd.Context())
				if err != nil {
					return err
				}
				out := StreamStats{
					Stream:      env.Config.StreamTxEvents,
					Length:      n,
					DeadLetter:  env.Config.StreamTxEventsDLQ,
					DeadLetters: d,
				}
				return newPrinter(root, cmd.OutOrStdout()).print(out, func(w io.Writer) error {
					return table(w, []string{"STREAM", "LENGTH"}, [][]string{
						{out.Stream, strconv.FormatInt(out.Length, 10)},
						{out.DeadLetter, strconv.FormatInt(out.DeadLetters, 10)},
					})
				})
			})
		},
	}

	var count int64
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered events (oldest first)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStream(cmd.Context(), env, func(s *coord.Stream) error {
				dls, err := s.DeadLetters(cmd.Context(), count)
				if err != nil {
					return err
				}
				return newPrinter(root, cmd.OutOrStdout()).print(dls, func(w io.Writer) error {
					rows := make([][]string, 0, len(dls))
					for _, d := range dls {
						rows = append(rows, []string{d.OriginalID, d.Reason, d.Timestamp.Format(time.RFC3339), d.Error})
					}
					return table(w, []string{"ID", "REASON", "AT", "ERROR"}, rows)
				})
			})
		},
	}
	dlq.Flags().Int64VarP(&count, "count", "n", 20, "max entries")

	var requeueCount int64
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Move dead-lettered events back to the live stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStream(cmd.Context(), env, func(s *coord.Stream) error {
				moved, err := s.Requeue(cmd.Context(), requeueCount)
				out := map[string]int{"requeued": moved}
				if perr := newPrinter(root, cmd.OutOrStdout()).print(out, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "requeued %d event(s)\n", moved)
					return err
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	requeue.Flags().Int64VarP(&requeueCount, "count", "n", 100, "max entries to move")

	cmd.AddCommand(stats, dlq, requeue)
	return cmd
}

func withStream(ctx context.Context, env *Env, fn func(s *coord.Stream) error) error {
	return withRedis(ctx, env, func(rdb *redis.Client) error {
		return fn(coord.NewStream(rdb, env.Config.StreamTxEvents, env.Config.StreamTxEventsDLQ))
	})
}

// syncNotifier envia o alerta antes do processo do CLI terminar
type syncNotifier struct {
	w   *alert.Webhook
	log *zap.Logger
}

func (n syncNotifier) Notify(ctx context.Context, a alert.Alert) {
	if _, err := n.w.Send(ctx, a); err != nil {
		n.log.Warn("alert delivery failed", zap.String("key", a.Key), zap.Error(err))
	}
}

func newCircuitCommand(root *RootOptions, env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Inspect or operate the settlement circuit breaker",
	}

	withBreaker := func(ctx context.Context, fn func(b *settlement.Breaker) error) error {
		return withRedis(ctx, env, func(rdb *redis.Client) error {
			log := env.Log
			if log == nil {
				log = zap.NewNop()
			}
			cfg := env.Config
			notifier := syncNotifier{w: alert.New(cfg.AlertWebhookURL, rdb, cfg.AlertCooldown, "vaultctl", log), log: log}
			return fn(settlement.NewBreaker(rdb, cfg.BreakerThreshold, cfg.BreakerCooldown, notifier, log, nil))
		})
	}

	printStatus := func(cmd *cobra.Command, b *settlement.Breaker) error {
		st, err := b.Status(cmd.Context())
		if err != nil {
			return err
		}
		return newPrinter(root, cmd.OutOrStdout()).print(st, func(w io.Writer) error {
			if !st.Paused {
				_, err := fmt.Fprintln(w, "closed")
				return err
			}
			_, err := fmt.Fprintf(w, "paused until %s\n", st.Until.Format(time.RFC3339))
			return err
		})
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether settlement submissions are paused",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBreaker(cmd.Context(), func(b *settlement.Breaker) error { return printStatus(cmd, b) })
		},
	}

	var reason string
	trip := &cobra.Command{
		Use:   "trip",
		Short: "Pause settlement submissions on every replica for the configured cooldown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBreaker(cmd.Context(), func(b *settlement.Breaker) error {
				if err := b.Trip(cmd.Context(), reason); err != nil {
					return err
				}
				return printStatus(cmd, b)
			})
		},
	}
	trip.Flags().StringVar(&reason, "reason", "manual pause", "reason recorded in logs and alerts")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Resume settlement submissions immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBreaker(cmd.Context(), func(b *settlement.Breaker) error {
				if err := b.Reset(cmd.Context()); err != nil {
					return err
				}
				return printStatus(cmd, b)
			})
		},
	}

	cmd.AddCommand(status, trip, reset)
	return cmd
}
