package settlement

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	sharedkafka "github.com/radieske/vault-settlement/internal/shared/kafka"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

// OutcomePublisher recebe o desfecho de cada submissão ao vault
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, o events.SettlementOutcome) error
}

type KafkaPublisher struct {
	Writer *kafka.Writer
}

func NewKafkaPublisher(w *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{Writer: w}
}

// PublishOutcome usa o primeiro betId como chave (mesma partição para o mesmo lote)
func (p *KafkaPublisher) PublishOutcome(ctx context.Context, o events.SettlementOutcome) error {
	if o.Ts.IsZero() {
		o.Ts = time.Now().UTC()
	}
	key := ""
	if len(o.BetIDs) > 0 {
		key = o.BetIDs[0]
	}
	return sharedkafka.WriteJSON(ctx, p.Writer, key, o)
}
