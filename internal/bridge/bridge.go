// Package bridge encaminha os eventos de transação do Kafka para o stream Redis consumido pelos workers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

// MessageReader é o recorte do kafka.Reader com commit explícito
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Bridge lê do tópico, grava no stream e só então confirma o offset (at-least-once;
// duplicatas são absorvidas pelo dedup do mutator)
type Bridge struct {
	Log    *zap.Logger
	Reader MessageReader
	Stream *coord.Stream

	MaxElapsed time.Duration // tempo máximo tentando gravar no stream antes de desistir

	OnForwarded func()       // métricas (counter++)
	OnError     func(string) // métricas por fase
}

// Run inicia o loop até o contexto ser cancelado
func (b *Bridge) Run(ctx context.Context) error {
	for {
		m, err := b.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.Log.Warn("kafka fetch failed", zap.Error(err))
			b.onError("read")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if err := b.Forward(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// sem commit: a mensagem volta no próximo rebalance/restart
			b.Log.Error("forward failed, offset not committed",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			continue
		}
	}
}

// Forward grava uma mensagem no stream e confirma o offset. Mensagens inválidas
// são descartadas (com commit) para não travar a partição.
func (b *Bridge) Forward(ctx context.Context, m kafka.Message) error {
	var ev events.TransactionEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.EventID == "" {
		if err == nil {
			err = errors.New("missing eventId")
		}
		b.Log.Warn("invalid kafka message dropped",
			zap.Int64("offset", m.Offset),
			zap.ByteString("key", m.Key),
			zap.Error(err),
		)
		b.onError("decode")
		return b.Reader.CommitMessages(ctx, m)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = b.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 30 * time.Second
	}

	var id string
	err := backoff.Retry(func() error {
		var err error
		id, err = b.Stream.Append(ctx, ev)
		if err != nil {
			b.Log.Warn("stream append failed", zap.String("event_id", ev.EventID), zap.Error(err))
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		b.onError("append")
		return err
	}

	if err := b.Reader.CommitMessages(ctx, m); err != nil {
		b.onError("commit")
		return err
	}
	if b.OnForwarded != nil {
		b.OnForwarded()
	}
	b.Log.Debug("event forwarded", zap.String("event_id", ev.EventID), zap.String("entry_id", id))
	return nil
}

func (b *Bridge) onError(stage string) {
	if b.OnError != nil {
		b.OnError(stage)
	}
}
