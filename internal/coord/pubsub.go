package coord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher publica notificações JSON em canais Redis Pub/Sub
type Publisher struct {
	r *redis.Client
}

func NewPublisher(r *redis.Client) *Publisher {
	return &Publisher{r: r}
}

func (p *Publisher) Publish(ctx context.Context, channel string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.r.Publish(ctx, channel, b).Err()
}

// PublishJSON grava um resultado estruturado com TTL (resultados de auditoria, bankroll, preço)
func PublishJSON(ctx context.Context, r *redis.Client, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.Set(ctx, key, b, ttl).Err()
}

// ReadJSON lê um resultado publicado; ok=false quando ausente/expirado
func ReadJSON(ctx context.Context, r *redis.Client, key string, dst any) (bool, error) {
	b, err := r.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, dst)
}
