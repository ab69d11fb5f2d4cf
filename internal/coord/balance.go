package coord

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// guardedSet só grava se não houver versão mais nova já em cache
// KEYS[1]=chave ARGV[1]=saldo ARGV[2]=versão ARGV[3]=ttl_ms
var guardedSet = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ts")
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "balance", ARGV[1], "ts", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// BalanceCache guarda o último saldo conhecido por usuário
type BalanceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewBalanceCache(rdb *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{rdb: rdb, ttl: ttl}
}

// SetIfNewer aplica o saldo apenas se seq >= versão já em cache. seq é a sequência
// do ledger devolvida pelo commit. Retorna false quando a escrita foi descartada por ser antiga.
func (c *BalanceCache) SetIfNewer(ctx context.Context, username string, balance int64, seq int64) (bool, error) {
	res, err := guardedSet.Run(ctx, c.rdb, []string{BalanceKey(username)},
		balance, seq, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Get retorna o saldo em cache e a versão; ok=false se ausente
func (c *BalanceCache) Get(ctx context.Context, username string) (balance int64, seq int64, ok bool, err error) {
	vals, err := c.rdb.HMGet(ctx, BalanceKey(username), "balance", "ts").Result()
	if err != nil {
		return 0, 0, false, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, 0, false, nil
	}
	balance, err = strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return 0, 0, false, errors.New("corrupt balance cache entry")
	}
	seq, err = strconv.ParseInt(vals[1].(string), 10, 64)
	if err != nil {
		return 0, 0, false, errors.New("corrupt balance cache entry")
	}
	return balance, seq, true, nil
}

// Invalidate remove o saldo em cache do usuário
func (c *BalanceCache) Invalidate(ctx context.Context, username string) error {
	return c.rdb.Del(ctx, BalanceKey(username)).Err()
}
