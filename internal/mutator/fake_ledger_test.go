package mutator

import (
	"context"
	"sync"

	"github.com/radieske/vault-settlement/internal/ledger/repo"
)

type takenStake struct {
	key    string
	amount int64
	found  bool
}

// fakeLedger reproduz o contrato das procedures em memória
type fakeLedger struct {
	mu          sync.Mutex
	users       map[string]repo.User
	balances    map[string]int64
	applied     map[string]repo.Mutation
	stakes      map[string]int64
	taken       map[string]takenStake // tx_id -> stake removido por ele
	reversed    map[string]string     // rodada -> tx_id que a estornou
	settlements []repo.NewSettlement
	rounds      map[string]repo.RoundSettlement
	gemCounts   map[string]repo.GemVector
	seq         int64

	failApply   error
	failRelease error
	// onApply roda antes de ApplyMutation, fora do lock
	onApply func(m repo.Mutation)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		users:     map[string]repo.User{},
		balances:  map[string]int64{},
		applied:   map[string]repo.Mutation{},
		stakes:    map[string]int64{},
		taken:     map[string]takenStake{},
		reversed:  map[string]string{},
		rounds:    map[string]repo.RoundSettlement{},
		gemCounts: map[string]repo.GemVector{},
	}
}

func roundKey(u, r string) string { return u + "|" + r }

func (f *fakeLedger) addUser(u repo.User) {
	f.users[u.Username] = u
	f.balances[u.Username] = u.Balance
}

func (f *fakeLedger) CheckDuplicate(_ context.Context, txID string) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.applied[txID]
	if !ok {
		return false, 0, nil
	}
	return true, f.balances[m.Username], nil
}

func (f *fakeLedger) ApplyMutation(_ context.Context, m repo.Mutation) (repo.MutationResult, error) {
	if f.onApply != nil {
		f.onApply(m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApply != nil {
		return repo.MutationResult{}, f.failApply
	}
	if _, ok := f.applied[m.TxID]; ok {
		return repo.MutationResult{Balance: f.balances[m.Username], Applied: false}, nil
	}

	rk := roundKey(m.Username, m.RoundID)
	amount, row, gems := m.Amount, m.Settlement, m.Gems
	taken := false
	if m.ReversesRound {
		if _, ok := f.reversed[rk]; ok {
			taken = true
			amount, row, gems = 0, nil, nil
		}
	}
	next := f.balances[m.Username] + amount
	if next < 0 {
		return repo.MutationResult{}, repo.ErrInsufficientFunds
	}

	f.balances[m.Username] = next
	f.applied[m.TxID] = m
	f.seq++
	if m.ReversesRound && !taken {
		f.reversed[rk] = m.TxID
	}
	if m.StakeDelta != 0 {
		f.stakes[rk] += m.StakeDelta
	}
	if row != nil {
		f.settlements = append(f.settlements, *row)
	}
	if gems != nil {
		usr := f.users[m.Username]
		usr.TotalWagered += gems.WagerDelta
		f.users[m.Username] = usr
		if gems.Finalized {
			f.gemCounts[m.Username] = f.gemCounts[m.Username].Add(gems.Awarded)
			if gems.Referrer != "" {
				f.gemCounts[gems.Referrer] = f.gemCounts[gems.Referrer].Add(gems.Referral)
			}
		}
	}
	return repo.MutationResult{
		Balance:       next,
		Applied:       true,
		Seq:           f.seq,
		StakeTotal:    f.stakes[rk],
		ReversalTaken: taken,
	}, nil
}

func (f *fakeLedger) ConsumeStake(_ context.Context, u, r, txID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.taken[txID]; ok {
		return t.amount, t.found, nil
	}
	rk := roundKey(u, r)
	v, ok := f.stakes[rk]
	delete(f.stakes, rk)
	f.taken[txID] = takenStake{key: rk, amount: v, found: ok}
	return v, ok, nil
}

func (f *fakeLedger) CancelStake(ctx context.Context, u, r, txID string) (int64, bool, error) {
	return f.ConsumeStake(ctx, u, r, txID)
}

func (f *fakeLedger) ReleaseStake(_ context.Context, u, r, txID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRelease != nil {
		return 0, false, f.failRelease
	}
	rk := roundKey(u, r)
	t, ok := f.taken[txID]
	if _, done := f.applied[txID]; done || !ok {
		return f.stakes[rk], false, nil
	}
	delete(f.taken, txID)
	if !t.found {
		return f.stakes[rk], false, nil
	}
	f.stakes[rk] += t.amount
	return f.stakes[rk], true, nil
}

func (f *fakeLedger) GetUser(_ context.Context, u string) (repo.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	usr, ok := f.users[u]
	if !ok {
		return repo.User{}, repo.ErrNotFound
	}
	usr.Balance = f.balances[u]
	return usr, nil
}

func (f *fakeLedger) GetRoundSettlement(_ context.Context, u, r string) (repo.RoundSettlement, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.rounds[roundKey(u, r)]
	_, rs.Reversed = f.reversed[roundKey(u, r)]
	return rs, ok, nil
}

func (f *fakeLedger) balance(u string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[u]
}

func (f *fakeLedger) rows() []repo.NewSettlement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repo.NewSettlement(nil), f.settlements...)
}
