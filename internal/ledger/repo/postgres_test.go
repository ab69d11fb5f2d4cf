package repo

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db).WithRetry(3, time.Millisecond), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestCall(t *testing.T) {
	assert.Equal(t, "SELECT found, balance FROM check_duplicate_transaction($1)", call(procCheckDuplicate, "found, balance", 1))
	assert.Equal(t, "SELECT total FROM count_pending_settlements()", call(procCountPending, "total", 0))
}

func TestApplyMutation(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(q("SELECT balance, applied, seq, stake_total, reversal_taken FROM apply_balance_mutation($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)")).
		WithArgs("tx-1", "alice", int64(-500), "bet", "7", "r1", sqlmock.AnyArg(), nil, TxCompleted, int64(500), nil, false).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "applied", "seq", "stake_total", "reversal_taken"}).
			AddRow(int64(9500), true, int64(12), int64(500), false))

	res, err := p.ApplyMutation(context.Background(), Mutation{
		TxID: "tx-1", Username: "alice", Amount: -500, Operation: "bet", GameID: "7", RoundID: "r1",
		Metadata:   map[string]any{"source": "test"},
		StakeDelta: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, MutationResult{Balance: 9500, Applied: true, Seq: 12, StakeTotal: 500}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

// jsonArg confere o payload jsonb enviado à procedure
type jsonArg func(map[string]any)

func (a jsonArg) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return false
	}
	a(m)
	return true
}

func TestApplyMutation_CarriesSettlementAndReversal(t *testing.T) {
	p, mock := newMock(t)

	settlement := jsonArg(func(m map[string]any) {
		assert.Equal(t, "s-1", m["id"])
		assert.Equal(t, "cb", m["bet_id"])
		assert.Equal(t, float64(-1), m["game_id"])
		assert.Equal(t, "reversal", m["reason"])
	})
	gems := jsonArg(func(m map[string]any) {
		assert.Equal(t, float64(-100), m["wagerDelta"])
	})
	mock.ExpectQuery(q("FROM apply_balance_mutation(")).
		WithArgs("cb", "alice", int64(-150), "reversal", "", "r1", sqlmock.AnyArg(), gems, TxCompleted, int64(0), settlement, true).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "applied", "seq", "stake_total", "reversal_taken"}).
			AddRow(int64(850), true, int64(3), int64(0), true))

	res, err := p.ApplyMutation(context.Background(), Mutation{
		TxID: "cb", Username: "alice", Amount: -150, Operation: "reversal", RoundID: "r1",
		Gems:          &GemPayload{WagerDelta: -100},
		Settlement:    &NewSettlement{ID: "s-1", BetID: "cb", GameID: 1<<64 - 1, Reason: "reversal"},
		ReversesRound: true,
	})
	require.NoError(t, err)
	assert.True(t, res.ReversalTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeStake_KeyedByTx(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT found, amount FROM consume_stake($1,$2,$3)")).WithArgs("alice", "r1", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"found", "amount"}).AddRow(true, int64(100)))
	mock.ExpectQuery(q("SELECT released, total FROM release_stake($1,$2,$3)")).WithArgs("alice", "r1", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"released", "total"}).AddRow(true, int64(100)))

	amount, found, err := p.ConsumeStake(ctx, "alice", "r1", "w1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(100), amount)

	total, released, err := p.ReleaseStake(ctx, "alice", "r1", "w1")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, int64(100), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_KeepsInFlightSignature(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(q("SELECT 1 FROM mark_settlements_failed($1,$2,$3,$4)")).
		WithArgs(sqlmock.AnyArg(), "confirmation timeout", "5sig", int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SELECT 1 FROM mark_settlements_failed($1,$2,$3,$4)")).
		WithArgs(sqlmock.AnyArg(), "rpc down", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.MarkFailed(ctx, []string{"s1"}, "confirmation timeout", InFlight{Signature: "5sig", LastValidHeight: 900}))
	require.NoError(t, p.MarkFailed(ctx, []string{"s2"}, "rpc down", InFlight{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	p, mock := newMock(t)

	query := q("SELECT found, balance FROM check_duplicate_transaction($1)")
	mock.ExpectQuery(query).WithArgs("tx-1").WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectQuery(query).WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"found", "balance"}).AddRow(true, int64(42)))

	found, bal, err := p.CheckDuplicate(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), bal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetry_GivesUpAfterAttempts(t *testing.T) {
	p, mock := newMock(t)

	query := q("SELECT balance FROM get_balance($1)")
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(query).WithArgs("alice").WillReturnError(errors.New("timeout"))
	}

	_, err := p.GetBalance(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), procGetBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsufficientFundsIsPermanent(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(q("SELECT balance, applied, seq, stake_total, reversal_taken FROM apply_balance_mutation")).
		WillReturnError(&pq.Error{Code: "P0001", Message: "insufficient_funds"})

	_, err := p.ApplyMutation(context.Background(), Mutation{TxID: "tx-2", Username: "bob", Amount: -1})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUser_NotFound(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(q("FROM get_user($1)")).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"username", "vault_address", "balance", "vip_multiplier", "referrer", "total_wagered"}))

	_, err := p.GetUser(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending_And_MarkProcessing(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(q("FROM fetch_pending_settlements($1,$2)")).WithArgs(10, int64(60)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "bet_id", "username", "user_vault", "stake", "payout", "game_id", "gems", "status", "attempts"}).
			AddRow("s1", "b1", "alice", "Vault1", int64(100), int64(0), int64(-1), "{1,0,0,0,0,0,2}", SettlementPending, 0).
			AddRow("s2", "b2", "bob", "Vault2", int64(0), int64(50), int64(7), "{}", SettlementFailed, 2))

	rows, err := p.FetchPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(1<<64-1), rows[0].GameID)
	assert.Equal(t, GemVector{1, 0, 0, 0, 0, 0, 2}, rows[0].Gems)
	assert.Equal(t, 2, rows[1].Attempts)
	assert.Empty(t, rows[0].Signature)
	assert.Equal(t, "5sig", rows[1].Signature)
	assert.Equal(t, uint64(900), rows[1].LastValidHeight)

	// outra instância já pegou s2
	mock.ExpectQuery(q("SELECT id FROM mark_settlements_processing($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))

	moved, err := p.MarkProcessing(ctx, []string{"s1", "s2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, moved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoundSettlement(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(q("FROM get_round_settlement($1,$2)")).WithArgs("alice", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"found", "bet_id", "stake", "payout", "signature", "reversed"}).
			AddRow(true, "b1", int64(100), int64(250), "5sig", true))

	rs, ok, err := p.GetRoundSettlement(context.Background(), "alice", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RoundSettlement{BetID: "b1", Stake: 100, Payout: 250, Signature: "5sig", Reversed: true}, rs)
}

func TestGemVector(t *testing.T) {
	v := GemVectorFrom([]int64{1, 300, -4, 2})
	assert.Equal(t, GemVector{1, 255, 0, 2, 0, 0, 0}, v)
	assert.Equal(t, 258, v.Total())
	assert.Equal(t, GemVector{2, 255, 0, 4, 0, 0, 0}, v.Add(GemVector{1, 0, 0, 2}))
}
