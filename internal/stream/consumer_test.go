package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
	"github.com/radieske/vault-settlement/internal/mutator"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

type fakeApplier struct {
	mu   sync.Mutex
	seen []string
	errs map[string]error
}

func (f *fakeApplier) Apply(_ context.Context, ev events.TransactionEvent) (mutator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, ev.EventID)
	if err := f.errs[ev.EventID]; err != nil {
		return mutator.Result{}, err
	}
	return mutator.Result{Status: mutator.StatusApplied, Balance: 100}, nil
}

func (f *fakeApplier) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func newConsumer(t *testing.T, app Applier) (*Consumer, *coord.Stream) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := coord.NewStream(rdb, "tx_events", "tx_events_dlq")
	return &Consumer{
		Log:       zap.NewNop(),
		Stream:    st,
		Applier:   app,
		BatchSize: 10,
		Idle:      10 * time.Millisecond,
	}, st
}

func event(id string) events.TransactionEvent {
	return events.TransactionEvent{
		EventID:     id,
		Username:    "alice",
		Kind:        events.KindBet,
		AmountUSD:   decimal.NewFromInt(1),
		GameRoundID: "r-1",
		GameID:      "7",
	}
}

func TestPoll_AppliesInOrderAndRemoves(t *testing.T) {
	app := &fakeApplier{}
	c, st := newConsumer(t, app)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := st.Append(ctx, event(fmt.Sprintf("e-%d", i)))
		require.NoError(t, err)
	}

	var statuses []string
	c.OnApplied = func(s string) { statuses = append(statuses, s) }

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"e-1", "e-2", "e-3"}, app.order())
	assert.Equal(t, []string{"applied", "applied", "applied"}, statuses)

	left, err := st.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestPoll_FailuresGoToDeadLetter(t *testing.T) {
	app := &fakeApplier{errs: map[string]error{
		"e-bad":   fmt.Errorf("%w: empty username", mutator.ErrValidation),
		"e-funds": fmt.Errorf("apply: %w", repo.ErrInsufficientFunds),
		"e-down":  errors.New("connection refused"),
	}}
	c, st := newConsumer(t, app)
	ctx := context.Background()

	reasons := map[string]int{}
	c.OnDeadLetter = func(r string) { reasons[r]++ }

	for _, id := range []string{"e-bad", "e-ok", "e-funds", "e-down"} {
		_, err := st.Append(ctx, event(id))
		require.NoError(t, err)
	}
	_, err := st.Append(ctx, map[string]any{"eventId": 12})
	require.NoError(t, err)

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	left, err := st.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)

	dls, err := st.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 4)
	assert.Equal(t, ReasonValidation, dls[0].Reason)
	assert.Equal(t, ReasonInsufficient, dls[1].Reason)
	assert.Equal(t, ReasonApply, dls[2].Reason)
	assert.Equal(t, "connection refused", dls[2].Error)
	assert.Equal(t, ReasonDecode, dls[3].Reason)
	assert.Equal(t, map[string]int{ReasonValidation: 1, ReasonInsufficient: 1, ReasonApply: 1, ReasonDecode: 1}, reasons)
}

func TestPoll_InFlightEventStaysAndStopsBatch(t *testing.T) {
	app := &fakeApplier{errs: map[string]error{
		"e-2": fmt.Errorf("%w: e-2", mutator.ErrInFlight),
	}}
	c, st := newConsumer(t, app)
	ctx := context.Background()

	var stages []string
	c.OnError = func(s string) { stages = append(stages, s) }
	for i := 1; i <= 3; i++ {
		_, err := st.Append(ctx, event(fmt.Sprintf("e-%d", i)))
		require.NoError(t, err)
	}

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"e-1", "e-2"}, app.order())
	assert.Equal(t, []string{"in_flight"}, stages)

	left, err := st.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), left)
	dls, err := st.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dls)

	// a outra réplica terminou: o próximo poll segue a ordem do stream
	app.mu.Lock()
	delete(app.errs, "e-2")
	app.mu.Unlock()

	n, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e-1", "e-2", "e-2", "e-3"}, app.order())
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonValidation, reasonFor(fmt.Errorf("x: %w", mutator.ErrValidation)))
	assert.Equal(t, ReasonApply, reasonFor(context.DeadlineExceeded))
}

func TestRun_DrainsAndStopsOnCancel(t *testing.T) {
	app := &fakeApplier{}
	c, st := newConsumer(t, app)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	_, err := st.Append(context.Background(), event("e-late"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := st.Len(context.Background())
		return err == nil && n == 0 && len(app.order()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
