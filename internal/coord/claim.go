package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claims marca eventos em processamento (SET NX PX). Enquanto a marca existe, só o dono
// executa os passos do evento; as outras réplicas recebem ok=false.
type Claims struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewClaims(rdb *redis.Client, ttl time.Duration) *Claims {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Claims{rdb: rdb, ttl: ttl}
}

// Claim é a marca adquirida por esta réplica
type Claim struct {
	rdb   *redis.Client
	key   string
	token string
}

// Acquire tenta marcar o evento; ok=false quando outra réplica já o processa
func (c *Claims) Acquire(ctx context.Context, eventID string) (*Claim, bool, error) {
	cl := &Claim{rdb: c.rdb, key: ProcessingKey(eventID), token: uuid.NewString()}
	ok, err := c.rdb.SetNX(ctx, cl.key, cl.token, c.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", cl.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return cl, true, nil
}

// Release apaga a marca se ela ainda for desta réplica
func (cl *Claim) Release(ctx context.Context) error {
	return releaseClaimScript.Run(ctx, cl.rdb, []string{cl.key}, cl.token).Err()
}
