package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radieske/vault-settlement/internal/coord"
)

// Lease é o dono atual de um job, lido direto do Redis
type Lease struct {
	Job       string        `json:"job"`
	Holder    string        `json:"holder,omitempty"`
	ExpiresIn time.Duration `json:"expiresIn"`
}

// Leases consulta os leases dos jobs informados sem depender de um Scheduler local
func Leases(ctx context.Context, rdb *redis.Client, jobs []string) ([]Lease, error) {
	out := make([]Lease, 0, len(jobs))
	for _, job := range jobs {
		key := coord.LeaderKey(job)
		holder, err := rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			out = append(out, Lease{Job: job})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		ttl, err := rdb.PTTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("pttl %s: %w", key, err)
		}
		out = append(out, Lease{Job: job, Holder: holder, ExpiresIn: ttl})
	}
	return out, nil
}
