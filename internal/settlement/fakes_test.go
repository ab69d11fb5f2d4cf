package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
	"github.com/radieske/vault-settlement/internal/vault"
	"github.com/radieske/vault-settlement/internal/vault/chain"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

type fakeStore struct {
	mu       sync.Mutex
	rows     []repo.PendingSettlement
	status   map[string]string
	causes   map[string]string
	sigs     map[string]string
	inflight map[string]repo.InFlight
	claimCap int // >0 limita quantas linhas MarkProcessing devolve
}

func newFakeStore(rows ...repo.PendingSettlement) *fakeStore {
	st := &fakeStore{status: map[string]string{}, causes: map[string]string{}, sigs: map[string]string{}, inflight: map[string]repo.InFlight{}}
	for _, r := range rows {
		st.rows = append(st.rows, r)
		st.status[r.ID] = repo.SettlementPending
	}
	return st
}

func (f *fakeStore) FetchPending(_ context.Context, limit int, _ time.Duration) ([]repo.PendingSettlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repo.PendingSettlement
	for _, r := range f.rows {
		if s := f.status[r.ID]; s == repo.SettlementPending || s == repo.SettlementFailed {
			if tx, ok := f.inflight[r.ID]; ok {
				r.Signature, r.LastValidHeight = tx.Signature, tx.LastValidHeight
			}
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) MarkProcessing(_ context.Context, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range ids {
		if f.claimCap > 0 && len(out) == f.claimCap {
			break
		}
		f.status[id] = repo.SettlementProcessing
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeStore) MarkSettled(_ context.Context, ids []string, sig string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.status[id] = repo.SettlementSettled
		f.sigs[id] = sig
	}
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, ids []string, cause string, tx repo.InFlight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.status[id] = repo.SettlementFailed
		f.causes[id] = cause
		if tx.Signature == "" {
			delete(f.inflight, id)
		} else {
			f.inflight[id] = tx
		}
	}
	return nil
}

func (f *fakeStore) inFlightOf(id string) repo.InFlight {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[id]
}

func (f *fakeStore) CountPending(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.status {
		if s == repo.SettlementPending || s == repo.SettlementFailed {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) statusOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

type submitted struct {
	name  string
	items int
}

type fakeChain struct {
	mu     sync.Mutex
	calls  []submitted
	errs   []error // consumido em ordem; nil => sucesso
	states map[string]chain.TxState
	// assinaturas consultadas por Status
	lookups   []string
	statusErr error
}

func (f *fakeChain) Status(_ context.Context, sig solana.Signature, _ uint64) (chain.TxState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, sig.String())
	if f.statusErr != nil {
		return chain.TxPending, f.statusErr
	}
	return f.states[sig.String()], nil
}

func (f *fakeChain) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChain) Submit(_ context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := ixs[0].Data()
	if err != nil {
		return solana.Signature{}, err
	}
	name, args, err := vault.Decode(data)
	if err != nil {
		return solana.Signature{}, err
	}
	n := 1
	if b, ok := args.(vault.BatchSettleArgs); ok {
		n = len(b.BetIDs)
	}
	f.calls = append(f.calls, submitted{name: name, items: n})

	if len(f.errs) > 0 {
		e := f.errs[0]
		f.errs = f.errs[1:]
		if e != nil {
			return solana.Signature{}, e
		}
	}
	var sig solana.Signature
	sig[0] = byte(len(f.calls))
	return sig, nil
}

type fakeOutcomes struct {
	mu  sync.Mutex
	got []events.SettlementOutcome
}

func (f *fakeOutcomes) PublishOutcome(_ context.Context, o events.SettlementOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, o)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeNotifier) Notify(_ context.Context, a alert.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, a.Key)
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func newProgram(t *testing.T) *vault.Program {
	t.Helper()
	p, err := vault.NewProgram(solana.MustPublicKeyFromBase58(vault.DefaultProgramID), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	return p
}

func pendingRows(n int) []repo.PendingSettlement {
	out := make([]repo.PendingSettlement, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, repo.PendingSettlement{
			ID:        fmt.Sprintf("s-%02d", i),
			BetID:     fmt.Sprintf("bet-%02d", i),
			Username:  "alice",
			UserVault: solana.NewWallet().PublicKey().String(),
			Stake:     10_000_000,
			Payout:    int64(i) * 1_000_000,
			GameID:    uint64(i + 1),
			Status:    repo.SettlementPending,
		})
	}
	return out
}

func nopLog() *zap.Logger { return zap.NewNop() }
