// Package stream consome o log de eventos tx_events e entrega cada evento ao mutator.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
	"github.com/radieske/vault-settlement/internal/mutator"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

// Applier é o recorte do mutator usado pelo consumer
type Applier interface {
	Apply(ctx context.Context, ev events.TransactionEvent) (mutator.Result, error)
}

// Motivos gravados no dead-letter
const (
	ReasonDecode       = "decode"
	ReasonValidation   = "validation"
	ReasonInsufficient = "insufficient_funds"
	ReasonApply        = "apply"
)

// Consumer lê o stream em lotes, aplica os eventos em ordem e remove o que foi processado.
// Falhas vão para o dead-letter; não há retry dentro do loop. Evento em processamento
// por outra réplica encerra o lote e fica no stream para o próximo poll.
type Consumer struct {
	Log     *zap.Logger
	Stream  *coord.Stream
	Applier Applier

	BatchSize    int64
	Idle         time.Duration
	ApplyTimeout time.Duration

	OnConsumed   func()       // métricas (counter++)
	OnApplied    func(string) // métricas por status (applied/duplicate)
	OnDeadLetter func(string) // métricas por motivo
	OnError      func(string) // métricas por fase
}

// Run inicia o loop de consumo até o contexto ser cancelado
func (c *Consumer) Run(ctx context.Context) error {
	idle := c.Idle
	if idle <= 0 {
		idle = 250 * time.Millisecond
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Warn("stream read failed", zap.Error(err))
			c.onError("read")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle):
		}
	}
}

// Poll processa um lote e retorna quantas entradas foram tratadas
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	batch := c.BatchSize
	if batch <= 0 {
		batch = 50
	}
	entries, err := c.Stream.Read(ctx, batch)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !c.handle(ctx, e) {
			return i, nil
		}
	}
	return len(entries), nil
}

// handle trata uma entrada; false para o lote (a entrada continua no stream)
func (c *Consumer) handle(ctx context.Context, e coord.Entry) bool {
	if c.OnConsumed != nil {
		c.OnConsumed()
	}

	var ev events.TransactionEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		c.Log.Warn("invalid stream entry", zap.String("entry_id", e.ID), zap.Error(err))
		c.deadLetter(ctx, e, err, ReasonDecode)
		return true
	}

	actx := ctx
	if c.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.ApplyTimeout)
		defer cancel()
	}
	res, err := c.Applier.Apply(actx, ev)
	if err != nil {
		// shutdown no meio do apply: a entrada fica no stream e é reprocessada (dedup pelo eventId)
		if ctx.Err() != nil {
			return false
		}
		// outra réplica segura o evento; a ordem do stream espera por ela
		if errors.Is(err, mutator.ErrInFlight) {
			c.Log.Debug("event in flight elsewhere", zap.String("entry_id", e.ID), zap.String("event_id", ev.EventID))
			c.onError("in_flight")
			return false
		}
		c.Log.Warn("event apply failed",
			zap.String("entry_id", e.ID),
			zap.String("event_id", ev.EventID),
			zap.String("username", ev.Username),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		c.deadLetter(ctx, e, err, reasonFor(err))
		return true
	}

	if err := c.Stream.Remove(ctx, e.ID); err != nil {
		c.Log.Warn("stream remove failed", zap.String("entry_id", e.ID), zap.Error(err))
		c.onError("remove")
		return true
	}
	if c.OnApplied != nil {
		c.OnApplied(res.Status)
	}
	c.Log.Debug("event applied",
		zap.String("event_id", ev.EventID),
		zap.String("status", res.Status),
		zap.Int64("balance", res.Balance),
	)
	return true
}

func (c *Consumer) deadLetter(ctx context.Context, e coord.Entry, cause error, reason string) {
	if err := c.Stream.MoveToDLQ(ctx, e, cause, reason); err != nil {
		c.Log.Error("dead-letter write failed", zap.String("entry_id", e.ID), zap.Error(err))
		c.onError("dlq")
		return
	}
	if c.OnDeadLetter != nil {
		c.OnDeadLetter(reason)
	}
}

func (c *Consumer) onError(stage string) {
	if c.OnError != nil {
		c.OnError(stage)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, mutator.ErrValidation):
		return ReasonValidation
	case errors.Is(err, repo.ErrInsufficientFunds):
		return ReasonInsufficient
	default:
		return ReasonApply
	}
}
