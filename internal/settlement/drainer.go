// Package settlement drena a fila de liquidações pendentes para o programa do vault,
// em lotes de até 10 itens, protegido por um circuit breaker compartilhado.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
	"github.com/radieske/vault-settlement/internal/vault"
	"github.com/radieske/vault-settlement/internal/vault/chain"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

// Store é o recorte do ledger usado pelo drainer
type Store interface {
	FetchPending(ctx context.Context, limit int, retryAfter time.Duration) ([]repo.PendingSettlement, error)
	MarkProcessing(ctx context.Context, ids []string) ([]string, error)
	MarkSettled(ctx context.Context, ids []string, signature string, elapsed time.Duration) error
	MarkFailed(ctx context.Context, ids []string, cause string, tx repo.InFlight) error
	CountPending(ctx context.Context) (int64, error)
}

// Submitter assina, envia e confirma instruções on-chain
type Submitter interface {
	Submit(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error)
	Status(ctx context.Context, sig solana.Signature, lastValid uint64) (chain.TxState, error)
}

type Config struct {
	Interval       time.Duration
	BatchSize      int
	FetchLimit     int
	RetryAfter     time.Duration
	ChannelTrigger string
}

// Report resume um ciclo do drainer
type Report struct {
	Skipped  bool `json:"skipped,omitempty"`
	Fetched  int  `json:"fetched"`
	Claimed  int  `json:"claimed"`
	Settled  int  `json:"settled"`
	Failed   int  `json:"failed"`
	InFlight int  `json:"inFlight,omitempty"` // enviadas sem desfecho; aguardam, não são reenviadas
}

const (
	causeCircuitOpen = "circuit open"
	causeUnconfirmed = "awaiting confirmation"
)

// decrementa a profundidade sem deixar o contador negativo
var decrDepthScript = redis.NewScript(`
local v = redis.call("DECRBY", KEYS[1], ARGV[1])
if v < 0 then
	redis.call("SET", KEYS[1], 0)
	return 0
end
return v
`)

type Drainer struct {
	store    Store
	chain    Submitter
	program  *vault.Program
	breaker  *Breaker
	outcomes OutcomePublisher
	rdb      *redis.Client
	cfg      Config
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time
	kick     chan struct{}
}

func NewDrainer(store Store, submitter Submitter, program *vault.Program, breaker *Breaker, outcomes OutcomePublisher,
	rdb *redis.Client, cfg Config, log *zap.Logger, m *Metrics) *Drainer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > vault.MaxBatchSize {
		cfg.BatchSize = vault.MaxBatchSize
	}
	if cfg.FetchLimit < cfg.BatchSize {
		cfg.FetchLimit = cfg.BatchSize
	}
	return &Drainer{
		store:    store,
		chain:    submitter,
		program:  program,
		breaker:  breaker,
		outcomes: outcomes,
		rdb:      rdb,
		cfg:      cfg,
		log:      log.With(zap.String("component", "drainer")),
		metrics:  m,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
}

// Trigger agenda um ciclo imediato; chamadas repetidas se fundem
func (d *Drainer) Trigger() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run executa Tick a cada intervalo e a cada gatilho recebido pelo canal de pub/sub
func (d *Drainer) Run(ctx context.Context) error {
	if d.cfg.ChannelTrigger != "" {
		sub := d.rdb.Subscribe(ctx, d.cfg.ChannelTrigger)
		ch := sub.Channel()
		go func() {
			for {
				select {
				case <-ctx.Done():
					_ = sub.Close()
					return
				case msg := <-ch:
					if msg == nil {
						continue
					}
					d.Trigger()
				}
			}
		}()
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.log.Info("drainer started", zap.Duration("interval", d.cfg.Interval), zap.Int("batch_size", d.cfg.BatchSize))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("drainer stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-d.kick:
		}
		rep, err := d.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("drain cycle failed", zap.Error(err))
			continue
		}
		if rep.Claimed > 0 {
			d.log.Info("drain cycle",
				zap.Int("claimed", rep.Claimed),
				zap.Int("settled", rep.Settled),
				zap.Int("failed", rep.Failed),
			)
		}
	}
}

// Tick faz um ciclo: breaker, fetch, claim, submissão em lotes e marcação do resultado.
// Falhas não são repetidas no mesmo ciclo.
func (d *Drainer) Tick(ctx context.Context) (Report, error) {
	var rep Report

	ok, err := d.breaker.Allow(ctx)
	if err != nil {
		return rep, err
	}
	if !ok {
		rep.Skipped = true
		return rep, nil
	}

	rows, err := d.store.FetchPending(ctx, d.cfg.FetchLimit, d.cfg.RetryAfter)
	if err != nil {
		return rep, fmt.Errorf("fetch pending: %w", err)
	}
	rep.Fetched = len(rows)
	if len(rows) == 0 {
		d.refreshPending(ctx)
		return rep, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	claimed, err := d.store.MarkProcessing(ctx, ids)
	if err != nil {
		return rep, fmt.Errorf("mark processing: %w", err)
	}
	rep.Claimed = len(claimed)
	if len(claimed) == 0 {
		return rep, nil
	}
	d.decrDepth(ctx, len(claimed))

	owned := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		owned[id] = true
	}

	var mine []repo.PendingSettlement
	for _, r := range rows {
		if owned[r.ID] {
			mine = append(mine, r)
		}
	}
	mine = d.resolveInFlight(ctx, mine, &rep)

	var batch []repo.PendingSettlement
	var items []vault.SettleItem
	for _, r := range mine {
		it, err := toItem(r)
		if err != nil {
			d.log.Error("invalid settlement row", zap.String("id", r.ID), zap.String("bet_id", r.BetID), zap.Error(err))
			d.fail(ctx, []string{r.ID}, err.Error())
			rep.Failed++
			continue
		}
		batch = append(batch, r)
		items = append(items, it)
	}

	for start := 0; start < len(batch); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(batch))
		chunk, chunkItems := batch[start:end], items[start:end]

		// breaker aberto no meio do ciclo: devolve o restante como failed para o próximo retry
		if start > 0 {
			if ok, err := d.breaker.Allow(ctx); err != nil || !ok {
				rest := idsOf(batch[start:])
				d.fail(ctx, rest, causeCircuitOpen)
				rep.Failed += len(rest)
				break
			}
		}

		if err := d.submit(ctx, chunk, chunkItems); err != nil {
			rep.Failed += len(chunk)
			continue
		}
		rep.Settled += len(chunk)
	}

	d.refreshPending(ctx)
	return rep, nil
}

// resolveInFlight decide as linhas que já têm uma transação enviada sem confirmação.
// Só volta para reenvio o que comprovadamente não entrou (falhou ou o blockhash venceu);
// o resto fica failed com a mesma assinatura até haver desfecho.
func (d *Drainer) resolveInFlight(ctx context.Context, rows []repo.PendingSettlement, rep *Report) []repo.PendingSettlement {
	out := rows[:0:0]
	groups := map[string][]repo.PendingSettlement{}
	var order []string
	for _, r := range rows {
		if r.Signature == "" {
			out = append(out, r)
			continue
		}
		if _, ok := groups[r.Signature]; !ok {
			order = append(order, r.Signature)
		}
		groups[r.Signature] = append(groups[r.Signature], r)
	}

	for _, raw := range order {
		group := groups[raw]
		ids := idsOf(group)
		inflight := repo.InFlight{Signature: raw, LastValidHeight: group[0].LastValidHeight}

		state := chain.TxPending
		sig, err := solana.SignatureFromBase58(raw)
		if err == nil {
			state, err = d.chain.Status(ctx, sig, inflight.LastValidHeight)
		}
		if err != nil {
			d.log.Warn("in-flight settlement status failed", zap.String("signature", raw), zap.Strings("ids", ids), zap.Error(err))
		}

		switch state {
		case chain.TxLanded:
			d.settled(ctx, group, sig, 0)
			rep.Settled += len(group)
		case chain.TxFailed, chain.TxExpired:
			d.log.Info("in-flight settlement did not land, resubmitting",
				zap.String("signature", raw), zap.String("state", state.String()), zap.Strings("ids", ids))
			out = append(out, group...)
		default:
			d.failTx(ctx, ids, causeUnconfirmed, inflight)
			rep.InFlight += len(group)
		}
	}
	return out
}

func (d *Drainer) submit(ctx context.Context, rows []repo.PendingSettlement, items []vault.SettleItem) error {
	ids, betIDs := idsOf(rows), betIDsOf(rows)

	ix, err := d.program.Settle(items)
	if err != nil {
		d.fail(ctx, ids, err.Error())
		return err
	}

	start := d.now()
	sig, err := d.chain.Submit(ctx, ix)
	elapsed := d.now().Sub(start)
	if d.metrics != nil {
		d.metrics.SubmitDur.Observe(elapsed.Seconds())
	}

	if err != nil {
		d.log.Warn("settlement submit failed",
			zap.Int("items", len(items)),
			zap.Strings("bet_ids", betIDs),
			zap.Error(err),
		)
		// sem confirmação a transação pode entrar: guarda a assinatura para resolver antes de reenviar
		var inflight repo.InFlight
		var te *chain.ConfirmTimeoutError
		if errors.As(err, &te) {
			inflight = repo.InFlight{Signature: te.Signature.String(), LastValidHeight: te.LastValidBlockHeight}
		}
		d.failTx(ctx, ids, err.Error(), inflight)
		if _, berr := d.breaker.Failure(ctx, err); berr != nil {
			d.log.Error("breaker update failed", zap.Error(berr))
		}
		d.count("failed", len(rows))
		d.publish(ctx, events.SettlementOutcome{
			BetIDs:    betIDs,
			Status:    repo.SettlementFailed,
			Error:     err.Error(),
			ElapsedMs: elapsed.Milliseconds(),
			Batch:     len(items) > 1,
			Ts:        d.now().UTC(),
		})
		return err
	}

	d.breaker.Success()
	d.settled(ctx, rows, sig, elapsed)
	return nil
}

// settled marca as linhas confirmadas em sig e publica o desfecho
func (d *Drainer) settled(ctx context.Context, rows []repo.PendingSettlement, sig solana.Signature, elapsed time.Duration) {
	ids := idsOf(rows)
	if err := d.store.MarkSettled(ctx, ids, sig.String(), elapsed); err != nil {
		// já está on-chain; a linha fica em processing e a reconciliação aponta a divergência
		d.log.Error("mark settled failed",
			zap.Strings("ids", ids),
			zap.String("signature", sig.String()),
			zap.Error(err),
		)
	}
	d.count("settled", len(rows))
	d.log.Info("settlement confirmed",
		zap.Int("items", len(rows)),
		zap.String("signature", sig.String()),
		zap.Duration("elapsed", elapsed),
	)
	d.publish(ctx, events.SettlementOutcome{
		BetIDs:    betIDsOf(rows),
		Status:    repo.SettlementSettled,
		Signature: sig.String(),
		ElapsedMs: elapsed.Milliseconds(),
		Batch:     len(rows) > 1,
		Ts:        d.now().UTC(),
	})
}

func (d *Drainer) fail(ctx context.Context, ids []string, cause string) {
	d.failTx(ctx, ids, cause, repo.InFlight{})
}

func (d *Drainer) failTx(ctx context.Context, ids []string, cause string, tx repo.InFlight) {
	if err := d.store.MarkFailed(ctx, ids, cause, tx); err != nil {
		d.log.Error("mark failed failed", zap.Strings("ids", ids), zap.Error(err))
	}
}

func (d *Drainer) publish(ctx context.Context, o events.SettlementOutcome) {
	if d.outcomes == nil {
		return
	}
	if err := d.outcomes.PublishOutcome(ctx, o); err != nil {
		d.log.Warn("publish settlement outcome failed", zap.Error(err))
	}
}

func (d *Drainer) count(result string, n int) {
	if d.metrics == nil {
		return
	}
	d.metrics.Batches.WithLabelValues(result).Inc()
	d.metrics.Items.WithLabelValues(result).Add(float64(n))
}

func (d *Drainer) decrDepth(ctx context.Context, n int) {
	if err := decrDepthScript.Run(ctx, d.rdb, []string{coord.SettlementDepthKey}, n).Err(); err != nil {
		d.log.Warn("queue depth update failed", zap.Error(err))
	}
}

func (d *Drainer) refreshPending(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	n, err := d.store.CountPending(ctx)
	if err != nil {
		d.log.Debug("count pending failed", zap.Error(err))
		return
	}
	d.metrics.Pending.Set(float64(n))
}

func idsOf(rows []repo.PendingSettlement) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}

func betIDsOf(rows []repo.PendingSettlement) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.BetID)
	}
	return out
}

func toItem(r repo.PendingSettlement) (vault.SettleItem, error) {
	pk, err := solana.PublicKeyFromBase58(r.UserVault)
	if err != nil {
		return vault.SettleItem{}, fmt.Errorf("user vault %q: %w", r.UserVault, err)
	}
	if r.Stake < 0 || r.Payout < 0 {
		return vault.SettleItem{}, fmt.Errorf("negative amounts stake=%d payout=%d", r.Stake, r.Payout)
	}
	return vault.SettleItem{
		BetID:     r.BetID,
		UserVault: pk,
		Stake:     uint64(r.Stake),
		Payout:    uint64(r.Payout),
		GameID:    r.GameID,
		Gems:      r.Gems,
	}, nil
}
