package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestStream_AppendReadRemove(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	st := NewStream(rdb, "tx_events", "tx_events_dlq")

	for i := 0; i < 3; i++ {
		_, err := st.Append(ctx, map[string]int{"n": i})
		require.NoError(t, err)
	}

	entries, err := st.Read(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"n":0}`, string(entries[0].Payload))
	assert.JSONEq(t, `{"n":1}`, string(entries[1].Payload))

	require.NoError(t, st.Remove(ctx, entries[0].ID, entries[1].ID))
	n, err := st.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStream_MoveToDLQ(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	st := NewStream(rdb, "tx_events", "tx_events_dlq")

	_, err := st.Append(ctx, map[string]string{"eventId": "e-1"})
	require.NoError(t, err)
	entries, err := st.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, st.MoveToDLQ(ctx, entries[0], errors.New("ledger down"), "transient"))

	n, err := st.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	dls, err := st.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, entries[0].ID, dls[0].OriginalID)
	assert.Equal(t, "ledger down", dls[0].Error)
	assert.Equal(t, "transient", dls[0].Reason)
	assert.JSONEq(t, `{"eventId":"e-1"}`, dls[0].Payload)
}

func TestStream_Requeue(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	st := NewStream(rdb, "tx_events", "tx_events_dlq")

	for _, id := range []string{"e-1", "e-2"} {
		_, err := st.Append(ctx, map[string]string{"eventId": id})
		require.NoError(t, err)
	}
	entries, err := st.Read(ctx, 10)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, st.MoveToDLQ(ctx, e, errors.New("boom"), "apply"))
	}

	moved, err := st.Requeue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	n, err := st.DeadLetterLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	back, err := st.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.JSONEq(t, `{"eventId":"e-1"}`, string(back[0].Payload))
	assert.JSONEq(t, `{"eventId":"e-2"}`, string(back[1].Payload))
}

func TestBalanceCache_RejectsOlderTimestamp(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	c := NewBalanceCache(rdb, time.Minute)

	ok, err := c.SetIfNewer(ctx, "alice", 900, 200)
	require.NoError(t, err)
	assert.True(t, ok)

	// entrega atrasada com timestamp antigo não sobrescreve
	ok, err = c.SetIfNewer(ctx, "alice", 1000, 100)
	require.NoError(t, err)
	assert.False(t, ok)

	bal, ts, found, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(900), bal)
	assert.Equal(t, int64(200), ts)

	ok, err = c.SetIfNewer(ctx, "alice", 1150, 300)
	require.NoError(t, err)
	assert.True(t, ok)
	bal, _, _, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1150), bal)
}

func TestBalanceCache_Expires(t *testing.T) {
	s, rdb := newTestRedis(t)
	ctx := context.Background()
	c := NewBalanceCache(rdb, time.Minute)

	_, err := c.SetIfNewer(ctx, "bob", 10, 1)
	require.NoError(t, err)
	s.FastForward(2 * time.Minute)

	_, _, found, err := c.Get(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClaims_OneOwnerAtATime(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	claims := NewClaims(rdb, time.Minute)

	a, ok, err := claims.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = claims.Acquire(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = claims.Acquire(ctx, "w2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Release(ctx))
	b, ok, err := claims.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	// marca expirada e retomada por outro: o release antigo não apaga a nova
	mr.FastForward(2 * time.Minute)
	c, ok, err := claims.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists(ProcessingKey("w1")))
	require.NoError(t, c.Release(ctx))
	assert.False(t, mr.Exists(ProcessingKey("w1")))
}
