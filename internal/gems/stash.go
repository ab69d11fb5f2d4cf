package gems

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radieske/vault-settlement/internal/coord"
)

const deadlinesKey = "gems:stash:deadlines"

func stashKey(username, roundID string) string {
	return fmt.Sprintf("gems:stash:%s:%s", username, roundID)
}

// Entry são as gemas sorteadas nas bets da rodada, aguardando o win
type Entry struct {
	Username string
	RoundID  string
	Rolls    int
	Awarded  Vector
	// EventID torna o Put idempotente por evento (vazio => sempre soma)
	EventID string
}

// KEYS[1]=stash KEYS[2]=deadlines
// ARGV[1]=marca do evento ARGV[2]=user ARGV[3]=round ARGV[4]=rolls ARGV[5]=expire_ms ARGV[6]=deadline ARGV[7..13]=gemas
var putScript = redis.NewScript(`
if ARGV[1] ~= "" and redis.call("HSETNX", KEYS[1], ARGV[1], 1) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "user", ARGV[2], "round", ARGV[3])
redis.call("HINCRBY", KEYS[1], "rolls", ARGV[4])
for i = 0, 6 do
	local n = tonumber(ARGV[7 + i])
	if n > 0 then
		redis.call("HINCRBY", KEYS[1], tostring(i), n)
	end
end
redis.call("PEXPIRE", KEYS[1], ARGV[5])
redis.call("ZADD", KEYS[2], ARGV[6], KEYS[1])
return 1
`)

// KEYS[1]=stash ARGV[1]=marca do evento ARGV[2]=rolls ARGV[3..9]=gemas
var revertScript = redis.NewScript(`
if redis.call("HDEL", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HINCRBY", KEYS[1], "rolls", -tonumber(ARGV[2]))
for i = 0, 6 do
	local n = tonumber(ARGV[3 + i])
	if n > 0 then
		redis.call("HINCRBY", KEYS[1], tostring(i), -n)
	end
end
return 1
`)

// KEYS[1]=stash KEYS[2]=deadlines KEYS[3]=contador de perdidas
var forfeitScript = redis.NewScript(`
local fields = redis.call("HGETALL", KEYS[1])
if #fields == 0 then
	return {}
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], KEYS[1])
local lost = 0
for i = 1, #fields, 2 do
	if string.match(fields[i], "^%d$") then
		lost = lost + tonumber(fields[i + 1])
	end
end
if lost > 0 then
	redis.call("INCRBY", KEYS[3], lost)
end
return fields
`)

func eventMarker(eventID string) string {
	if eventID == "" {
		return ""
	}
	return "ev:" + eventID
}

// Stash guarda gemas por rodada com prazo explícito de resgate (ZSET de deadlines)
type Stash struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewStash(rdb *redis.Client, ttl time.Duration) *Stash {
	return &Stash{rdb: rdb, ttl: ttl, now: time.Now}
}

// Put soma as gemas na rodada e renova o prazo
func (s *Stash) Put(ctx context.Context, e Entry) error {
	_, err := s.PutOnce(ctx, e)
	return err
}

// PutOnce é o Put idempotente por e.EventID; added=false quando o evento já estava no stash
func (s *Stash) PutOnce(ctx context.Context, e Entry) (added bool, err error) {
	key := stashKey(e.Username, e.RoundID)
	deadline := s.now().Add(s.ttl)
	// o TTL da chave é margem de segurança; quem manda é o deadline
	args := []any{eventMarker(e.EventID), e.Username, e.RoundID, e.Rolls, (2 * s.ttl).Milliseconds(), deadline.UnixMilli()}
	for _, n := range e.Awarded {
		args = append(args, int(n))
	}
	n, err := putScript.Run(ctx, s.rdb, []string{key, deadlinesKey}, args...).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Revert desfaz o Put do evento e.EventID, se ele ainda estiver no stash
func (s *Stash) Revert(ctx context.Context, e Entry) error {
	if e.EventID == "" {
		return fmt.Errorf("revert stash %s/%s: event id required", e.Username, e.RoundID)
	}
	args := []any{eventMarker(e.EventID), e.Rolls}
	for _, n := range e.Awarded {
		args = append(args, int(n))
	}
	return revertScript.Run(ctx, s.rdb, []string{stashKey(e.Username, e.RoundID)}, args...).Err()
}

// Forfeit remove o stash da rodada (cancelbet) e soma as gemas ao contador de perdidas,
// numa única operação
func (s *Stash) Forfeit(ctx context.Context, username, roundID string) (Entry, bool, error) {
	key := stashKey(username, roundID)
	flat, err := forfeitScript.Run(ctx, s.rdb, []string{key, deadlinesKey, coord.GemLostCounterKey}).StringSlice()
	if err != nil {
		return Entry{}, false, err
	}
	if len(flat) == 0 {
		return Entry{}, false, nil
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	e := parseEntry(fields)
	if e.Username == "" {
		e.Username, e.RoundID = username, roundID
	}
	return e, true, nil
}

// Unforfeit devolve ao stash o que Forfeit removeu e desconta as gemas perdidas
func (s *Stash) Unforfeit(ctx context.Context, e Entry) error {
	e.EventID = ""
	if err := s.Put(ctx, e); err != nil {
		return err
	}
	if n := e.Awarded.Total(); n > 0 {
		return s.rdb.DecrBy(ctx, coord.GemLostCounterKey, int64(n)).Err()
	}
	return nil
}

// Claim remove e retorna o stash da rodada (win); ok=false se não havia
func (s *Stash) Claim(ctx context.Context, username, roundID string) (Entry, bool, error) {
	return s.take(ctx, stashKey(username, roundID))
}

func (s *Stash) take(ctx context.Context, key string) (Entry, bool, error) {
	var get *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		get = p.HGetAll(ctx, key)
		p.Del(ctx, key)
		p.ZRem(ctx, deadlinesKey, key)
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	fields := get.Val()
	if len(fields) == 0 {
		return Entry{}, false, nil
	}
	return parseEntry(fields), true, nil
}

func parseEntry(fields map[string]string) Entry {
	e := Entry{Username: fields["user"], RoundID: fields["round"]}
	e.Rolls, _ = strconv.Atoi(fields["rolls"])
	for i := range e.Awarded {
		n, _ := strconv.Atoi(fields[strconv.Itoa(i)])
		if n > 255 {
			n = 255
		}
		if n > 0 {
			e.Awarded[i] = uint8(n)
		}
	}
	return e
}

// Sweep expira stashes com prazo vencido e contabiliza as gemas como perdidas
func (s *Stash) Sweep(ctx context.Context, now time.Time) ([]Entry, error) {
	keys, err := s.rdb.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var expired []Entry
	for _, key := range keys {
		e, ok, err := s.take(ctx, key)
		if err != nil {
			return expired, err
		}
		if !ok {
			continue
		}
		if e.Username == "" {
			e.Username, e.RoundID = splitKey(key)
		}
		if n := e.Awarded.Total(); n > 0 {
			if err := s.rdb.IncrBy(ctx, coord.GemLostCounterKey, int64(n)).Err(); err != nil {
				return expired, err
			}
		}
		expired = append(expired, e)
	}
	return expired, nil
}

// Lost retorna o total acumulado de gemas perdidas
func (s *Stash) Lost(ctx context.Context) (int64, error) {
	n, err := s.rdb.Get(ctx, coord.GemLostCounterKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func splitKey(key string) (string, string) {
	rest := strings.TrimPrefix(key, "gems:stash:")
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return rest, ""
	}
	return rest[:i], rest[i+1:]
}
