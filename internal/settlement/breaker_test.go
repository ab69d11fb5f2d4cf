package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/vault"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	_, rdb := newRedis(t)
	alerts := &fakeNotifier{}
	b := NewBreaker(rdb, 3, 5*time.Minute, alerts, nopLog(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tripped, err := b.Failure(ctx, errors.New("rpc"))
		require.NoError(t, err)
		assert.False(t, tripped)
	}
	// sucesso no meio zera a sequência
	b.Success()
	for i := 0; i < 2; i++ {
		tripped, err := b.Failure(ctx, errors.New("rpc"))
		require.NoError(t, err)
		assert.False(t, tripped)
	}
	tripped, err := b.Failure(ctx, errors.New("rpc"))
	require.NoError(t, err)
	assert.True(t, tripped)

	ok, err := b.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, []string{"circuit-paused"}, alerts.sent())
}

func TestBreaker_SystemicErrorTripsImmediately(t *testing.T) {
	_, rdb := newRedis(t)
	b := NewBreaker(rdb, 5, time.Minute, nil, nopLog(), nil)

	cause := fmt.Errorf("simulate: %w", &vault.ProgramError{Code: vault.ErrCodeMaintenancePaused, Name: "MaintenancePaused"})
	tripped, err := b.Failure(context.Background(), cause)
	require.NoError(t, err)
	assert.True(t, tripped)
}

func TestBreaker_PauseIsSharedAndResumes(t *testing.T) {
	_, rdb := newRedis(t)
	alerts := &fakeNotifier{}
	now := time.Now()
	a := NewBreaker(rdb, 1, time.Minute, alerts, nopLog(), nil)
	b := NewBreaker(rdb, 1, time.Minute, alerts, nopLog(), nil)
	a.now = func() time.Time { return now }
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := a.Failure(ctx, errors.New("boom"))
	require.NoError(t, err)

	// outra réplica vê a mesma pausa
	ok, err := b.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	later := now.Add(2 * time.Minute)
	b.now = func() time.Time { return later }
	a.now = func() time.Time { return later }

	ok, err = b.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, rdb.Exists(ctx, coord.CircuitPauseKey).Val())

	// só quem removeu a pausa avisa
	ok, err = a.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"circuit-paused", "circuit-resumed"}, alerts.sent())
}

func TestBreaker_ManualTripAndReset(t *testing.T) {
	_, rdb := newRedis(t)
	b := NewBreaker(rdb, 5, time.Minute, nil, nopLog(), nil)
	ctx := context.Background()

	require.NoError(t, b.Trip(ctx, "operator"))
	ok, err := b.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Reset(ctx))
	ok, err = b.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
