package leader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func counterJob(name string, n *atomic.Int32) Job {
	return Job{
		Name:     name,
		Interval: 30 * time.Second,
		TTL:      90 * time.Second,
		Run: func(context.Context) error {
			n.Add(1)
			return nil
		},
	}
}

func TestScheduler_OnlyOneInstanceRunsTheJob(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	var runsA, runsB atomic.Int32
	a := NewScheduler(rdb, "a", zap.NewNop(), nil)
	b := NewScheduler(rdb, "b", zap.NewNop(), nil)
	a.Add(counterJob("price-oracle", &runsA))
	b.Add(counterJob("price-oracle", &runsB))

	for i := 0; i < 5; i++ {
		a.Tick(ctx)
		b.Tick(ctx)
	}
	assert.Equal(t, int32(5), runsA.Load())
	assert.Zero(t, runsB.Load())

	holder, err := rdb.Get(ctx, "leader:price-oracle").Result()
	require.NoError(t, err)
	assert.Equal(t, "a", holder)
}

func TestScheduler_FailoverAfterLeaseExpires(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	var runsA, runsB atomic.Int32
	a := NewScheduler(rdb, "a", zap.NewNop(), nil)
	b := NewScheduler(rdb, "b", zap.NewNop(), nil)
	a.Add(counterJob("reconciliation", &runsA))
	b.Add(counterJob("reconciliation", &runsB))

	a.Tick(ctx)
	b.Tick(ctx)
	require.Equal(t, int32(1), runsA.Load())

	// "a" para de renovar (crash); lease expira
	mr.FastForward(91 * time.Second)
	b.Tick(ctx)
	assert.Equal(t, int32(1), runsB.Load())

	// "a" volta, percebe que perdeu o lease e não roda
	a.Tick(ctx)
	assert.Equal(t, int32(1), runsA.Load())

	st, err := a.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.False(t, st[0].Leader)
	assert.Equal(t, "b", st[0].Holder)
}

func TestScheduler_RenewKeepsLease(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	var runsA, runsB atomic.Int32
	a := NewScheduler(rdb, "a", zap.NewNop(), nil)
	b := NewScheduler(rdb, "b", zap.NewNop(), nil)
	a.Add(counterJob("pnl-audit", &runsA))
	b.Add(counterJob("pnl-audit", &runsB))

	for i := 0; i < 4; i++ {
		a.Tick(ctx)
		mr.FastForward(60 * time.Second) // menos que o TTL de 90s
		b.Tick(ctx)
	}
	assert.Equal(t, int32(4), runsA.Load())
	assert.Zero(t, runsB.Load())
}

func TestScheduler_ReleaseHandsOverImmediately(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	var runsA, runsB atomic.Int32
	a := NewScheduler(rdb, "a", zap.NewNop(), nil)
	b := NewScheduler(rdb, "b", zap.NewNop(), nil)
	a.Add(counterJob("gem-fairness", &runsA))
	b.Add(counterJob("gem-fairness", &runsB))

	a.Tick(ctx)
	a.Release(ctx)
	b.Tick(ctx)
	assert.Equal(t, int32(1), runsB.Load())
}

func TestScheduler_ReleaseDoesNotDeleteOthersLease(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	var runs atomic.Int32
	a := NewScheduler(rdb, "a", zap.NewNop(), nil)
	a.Add(counterJob("bankroll-safety", &runs))
	a.Tick(ctx)

	// lease trocou de dono por fora
	require.NoError(t, rdb.Set(ctx, "leader:bankroll-safety", "b", time.Minute).Err())
	a.Release(ctx)

	holder, err := rdb.Get(ctx, "leader:bankroll-safety").Result()
	require.NoError(t, err)
	assert.Equal(t, "b", holder)
}

func TestScheduler_JobErrorKeepsLeadership(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	a := NewScheduler(rdb, "a", zap.NewNop(), nil)
	a.Add(Job{
		Name:     "price-oracle",
		Interval: time.Second,
		Run:      func(context.Context) error { return errors.New("all sources failed") },
	})
	a.Tick(ctx)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.True(t, st[0].Leader)
	assert.Equal(t, "all sources failed", st[0].LastError)

	ttl, err := rdb.PTTL(ctx, "leader:price-oracle").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 2*time.Second) // TTL padrão = 3x intervalo
}

func TestScheduler_RunStopsAndReleases(t *testing.T) {
	_, rdb := newRedis(t)
	var runs atomic.Int32
	a := NewScheduler(rdb, "", zap.NewNop(), nil)
	assert.NotEmpty(t, a.InstanceID())
	a.Add(Job{
		Name:     "price-oracle",
		Interval: 20 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, rdb.Exists(context.Background(), "leader:price-oracle").Val())
}

func TestLeases(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, "leader:price-oracle", "a", time.Minute).Err())

	ls, err := Leases(ctx, rdb, []string{"price-oracle", "pnl-audit"})
	require.NoError(t, err)
	require.Len(t, ls, 2)
	assert.Equal(t, "a", ls[0].Holder)
	assert.Greater(t, ls[0].ExpiresIn, time.Duration(0))
	assert.Empty(t, ls[1].Holder)
}

// maxOf guarda o maior valor já visto em cur
func maxOf(cur int32, peak *atomic.Int32) {
	for {
		p := peak.Load()
		if cur <= p || peak.CompareAndSwap(p, cur) {
			return
		}
	}
}

func TestScheduler_ConcurrentInstancesHaveOneLeaderAtATime(t *testing.T) {
	_, rdb := newRedis(t)
	const n = 6

	var leaders, peakLeaders, active, peakActive, runs atomic.Int32
	job := Job{
		Name:     "reconciliation",
		Interval: 2 * time.Millisecond,
		Run: func(context.Context) error {
			maxOf(active.Add(1), &peakActive)
			time.Sleep(time.Millisecond)
			active.Add(-1)
			runs.Add(1)
			return nil
		},
	}

	cancels := make(map[string]context.CancelFunc, n)
	dones := make(map[string]chan error, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node-%d", i)
		s := NewScheduler(rdb, id, zap.NewNop(), nil)
		s.onChange = func(_ string, leader bool) {
			if leader {
				maxOf(leaders.Add(1), &peakLeaders)
			} else {
				leaders.Add(-1)
			}
		}
		s.Add(job)
		ctx, cancel := context.WithCancel(context.Background())
		cancels[id], dones[id] = cancel, make(chan error, 1)
		go func(done chan error) { done <- s.Run(ctx) }(dones[id])
	}

	holder := func() string {
		v, _ := rdb.Get(context.Background(), "leader:reconciliation").Result()
		return v
	}

	// derruba o líder da vez algumas vezes; outro assume
	killed := map[string]bool{}
	for round := 0; round < 3; round++ {
		before := runs.Load()
		require.Eventually(t, func() bool { return runs.Load() > before+3 && holder() != "" }, 2*time.Second, time.Millisecond)
		h := holder()
		require.False(t, killed[h])
		killed[h] = true
		cancels[h]()
		require.ErrorIs(t, <-dones[h], context.Canceled)
		require.Eventually(t, func() bool { h2 := holder(); return h2 != "" && !killed[h2] }, 2*time.Second, time.Millisecond)
	}

	for id, cancel := range cancels {
		if killed[id] {
			continue
		}
		cancel()
		<-dones[id]
	}

	assert.Equal(t, int32(1), peakLeaders.Load())
	assert.Equal(t, int32(1), peakActive.Load())
	assert.Zero(t, leaders.Load())
	assert.Empty(t, holder())
}
