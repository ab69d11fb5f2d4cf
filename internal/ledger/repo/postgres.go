package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Postgres chama as stored procedures do ledger. Toda chamada passa por retry
// com número fixo de tentativas; erros de dado/regra de negócio não são repetidos.
type Postgres struct {
	db         *sql.DB
	attempts   int
	retryDelay time.Duration
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, attempts: 3, retryDelay: 200 * time.Millisecond}
}

// WithRetry ajusta a política de retry (testes usam delay curto)
func (p *Postgres) WithRetry(attempts int, delay time.Duration) *Postgres {
	if attempts < 1 {
		attempts = 1
	}
	p.attempts = attempts
	p.retryDelay = delay
	return p
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
)

// call monta "SELECT cols FROM proc($1,...,$n)"
func call(proc string, cols string, nargs int) string {
	ph := make([]string, nargs)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("SELECT %s FROM %s(%s)", cols, proc, strings.Join(ph, ","))
}

func (p *Postgres) retry(ctx context.Context, proc string, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), uint64(p.attempts-1)), ctx)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(classify(err))
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("%s: %w", proc, err)
	}
	return nil
}

// permanent: erros que não mudam com nova tentativa
func permanent(err error) bool {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42", "P0": // data exception, integridade, sintaxe, raise_exception
			return true
		}
	}
	return false
}

func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && strings.Contains(pqErr.Message, "insufficient_funds") {
		return ErrInsufficientFunds
	}
	return err
}

// CheckDuplicate informa se o tx_id já foi aplicado e o saldo atual do usuário
func (p *Postgres) CheckDuplicate(ctx context.Context, txID string) (found bool, balance int64, err error) {
	err = p.retry(ctx, procCheckDuplicate, func() error {
		return p.db.QueryRowContext(ctx, call(procCheckDuplicate, "found, balance", 1), txID).Scan(&found, &balance)
	})
	return found, balance, err
}

// ApplyMutation é a única forma de alterar o saldo. Idempotente por tx_id dentro da procedure;
// stake, settlement e gemas da mutação entram na mesma transação.
func (p *Postgres) ApplyMutation(ctx context.Context, m Mutation) (MutationResult, error) {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return MutationResult{}, err
	}
	var gems, settlement []byte
	if m.Gems != nil {
		if gems, err = json.Marshal(m.Gems); err != nil {
			return MutationResult{}, err
		}
	}
	if m.Settlement != nil {
		if settlement, err = json.Marshal(settlementArg(*m.Settlement)); err != nil {
			return MutationResult{}, err
		}
	}
	status := m.Status
	if status == "" {
		status = TxCompleted
	}

	var res MutationResult
	err = p.retry(ctx, procApplyMutation, func() error {
		return p.db.QueryRowContext(ctx, call(procApplyMutation, "balance, applied, seq, stake_total, reversal_taken", 12),
			m.TxID, m.Username, m.Amount, m.Operation, m.GameID, m.RoundID, meta, nullJSON(gems), status,
			m.StakeDelta, nullJSON(settlement), m.ReversesRound,
		).Scan(&res.Balance, &res.Applied, &res.Seq, &res.StakeTotal, &res.ReversalTaken)
	})
	return res, err
}

// pendingRow é a linha de settlement como a procedure a recebe
type pendingRow struct {
	ID        string  `json:"id"`
	BetID     string  `json:"bet_id"`
	RoundID   string  `json:"round_id"`
	Username  string  `json:"username"`
	UserVault string  `json:"user_vault"`
	Stake     int64   `json:"stake"`
	Payout    int64   `json:"payout"`
	GameID    int64   `json:"game_id"`
	Gems      []int64 `json:"gems"`
	Reason    string  `json:"reason"`
}

func settlementArg(s NewSettlement) pendingRow {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	return pendingRow{
		ID:        id,
		BetID:     s.BetID,
		RoundID:   s.RoundID,
		Username:  s.Username,
		UserVault: s.UserVault,
		Stake:     s.Stake,
		Payout:    s.Payout,
		GameID:    int64(s.GameID), // bigint no banco; o u64 trafega com o mesmo padrão de bits
		Gems:      s.Gems.Int64s(),
		Reason:    s.Reason,
	}
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func (p *Postgres) GetBalance(ctx context.Context, username string) (balance int64, err error) {
	err = p.retry(ctx, procGetBalance, func() error {
		return p.db.QueryRowContext(ctx, call(procGetBalance, "balance", 1), username).Scan(&balance)
	})
	return balance, err
}

// ConsumeStake remove e retorna o stake acumulado da rodada. A remoção fica registrada
// em nome de txID: repetir a chamada com o mesmo txID devolve o mesmo valor.
func (p *Postgres) ConsumeStake(ctx context.Context, username, roundID, txID string) (amount int64, found bool, err error) {
	err = p.retry(ctx, procConsumeStake, func() error {
		return p.db.QueryRowContext(ctx, call(procConsumeStake, "found, amount", 3), username, roundID, txID).Scan(&found, &amount)
	})
	return amount, found, err
}

// CancelStake é o ConsumeStake dos cancels (mesma garantia por txID)
func (p *Postgres) CancelStake(ctx context.Context, username, roundID, txID string) (amount int64, found bool, err error) {
	err = p.retry(ctx, procCancelStake, func() error {
		return p.db.QueryRowContext(ctx, call(procCancelStake, "found, amount", 3), username, roundID, txID).Scan(&found, &amount)
	})
	return amount, found, err
}

// ReleaseStake devolve à rodada o stake removido por txID. Não faz nada quando o txID
// já foi aplicado: o stake pertence à mutação gravada.
func (p *Postgres) ReleaseStake(ctx context.Context, username, roundID, txID string) (total int64, released bool, err error) {
	err = p.retry(ctx, procReleaseStake, func() error {
		return p.db.QueryRowContext(ctx, call(procReleaseStake, "released, total", 3), username, roundID, txID).Scan(&released, &total)
	})
	return total, released, err
}

// FetchPending retorna linhas pending + failed mais antigas que retryAfter, em ordem FIFO
func (p *Postgres) FetchPending(ctx context.Context, limit int, retryAfter time.Duration) ([]PendingSettlement, error) {
	var out []PendingSettlement
	err := p.retry(ctx, procFetchPending, func() error {
		out = out[:0]
		rows, err := p.db.QueryContext(ctx,
			call(procFetchPending, "id, bet_id, username, user_vault, stake, payout, game_id, gems, status, attempts, signature, last_valid_height", 2),
			limit, int64(retryAfter/time.Second))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				s         PendingSettlement
				gameID    int64
				gems      pq.Int64Array
				sig       sql.NullString
				lastValid sql.NullInt64
			)
			if err := rows.Scan(&s.ID, &s.BetID, &s.Username, &s.UserVault, &s.Stake, &s.Payout,
				&gameID, &gems, &s.Status, &s.Attempts, &sig, &lastValid); err != nil {
				return err
			}
			s.GameID = uint64(gameID)
			s.Gems = GemVectorFrom(gems)
			s.Signature = sig.String
			if lastValid.Int64 > 0 {
				s.LastValidHeight = uint64(lastValid.Int64)
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

// MarkProcessing move pending/failed -> processing e devolve só os ids efetivamente transicionados
func (p *Postgres) MarkProcessing(ctx context.Context, ids []string) ([]string, error) {
	var moved []string
	err := p.retry(ctx, procMarkProcessing, func() error {
		moved = moved[:0]
		rows, err := p.db.QueryContext(ctx, call(procMarkProcessing, "id", 1), pq.Array(ids))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			moved = append(moved, id)
		}
		return rows.Err()
	})
	return moved, err
}

func (p *Postgres) MarkSettled(ctx context.Context, ids []string, signature string, elapsed time.Duration) error {
	return p.retry(ctx, procMarkSettled, func() error {
		_, err := p.db.ExecContext(ctx, call(procMarkSettled, "1", 3), pq.Array(ids), signature, elapsed.Milliseconds())
		return err
	})
}

// MarkFailed devolve as linhas para retry. Com tx.Signature preenchida a linha guarda a
// transação enviada e não confirmada; vazia, limpa o que houver.
func (p *Postgres) MarkFailed(ctx context.Context, ids []string, cause string, tx InFlight) error {
	var sig, lastValid any
	if tx.Signature != "" {
		sig, lastValid = tx.Signature, int64(tx.LastValidHeight)
	}
	return p.retry(ctx, procMarkFailed, func() error {
		_, err := p.db.ExecContext(ctx, call(procMarkFailed, "1", 4), pq.Array(ids), cause, sig, lastValid)
		return err
	})
}

func (p *Postgres) CountPending(ctx context.Context) (n int64, err error) {
	err = p.retry(ctx, procCountPending, func() error {
		return p.db.QueryRowContext(ctx, call(procCountPending, "total", 0)).Scan(&n)
	})
	return n, err
}

// GetUser retorna ErrNotFound quando o usuário não existe
func (p *Postgres) GetUser(ctx context.Context, username string) (User, error) {
	var (
		u        User
		vault    sql.NullString
		referrer sql.NullString
	)
	err := p.retry(ctx, procGetUser, func() error {
		return p.db.QueryRowContext(ctx,
			call(procGetUser, "username, vault_address, balance, vip_multiplier, referrer, total_wagered", 1), username,
		).Scan(&u.Username, &vault, &u.Balance, &u.Multiplier, &referrer, &u.TotalWagered)
	})
	if err != nil {
		return User{}, err
	}
	u.VaultAddress = vault.String
	u.Referrer = referrer.String
	return u, nil
}

// GetRoundSettlement informa se o par bet+win da rodada já foi liquidado on-chain e se já foi estornado
func (p *Postgres) GetRoundSettlement(ctx context.Context, username, roundID string) (RoundSettlement, bool, error) {
	var (
		rs    RoundSettlement
		found bool
		betID sql.NullString
		sig   sql.NullString
	)
	err := p.retry(ctx, procGetRoundSettlement, func() error {
		return p.db.QueryRowContext(ctx, call(procGetRoundSettlement, "found, bet_id, stake, payout, signature, reversed", 2),
			username, roundID).Scan(&found, &betID, &rs.Stake, &rs.Payout, &sig, &rs.Reversed)
	})
	if err != nil || !found {
		return RoundSettlement{}, false, err
	}
	rs.BetID = betID.String
	rs.Signature = sig.String
	return rs, true, nil
}

func (p *Postgres) ListReconCandidates(ctx context.Context) ([]ReconCandidate, error) {
	var out []ReconCandidate
	err := p.retry(ctx, procListReconCandidates, func() error {
		out = out[:0]
		rows, err := p.db.QueryContext(ctx, call(procListReconCandidates, "username, vault_address, balance", 0))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c ReconCandidate
			if err := rows.Scan(&c.Username, &c.VaultAddress, &c.Balance); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// WagerTotals agrega apostado/pago desde since
func (p *Postgres) WagerTotals(ctx context.Context, since time.Time) (WagerTotals, error) {
	var t WagerTotals
	err := p.retry(ctx, procGetWagerTotals, func() error {
		return p.db.QueryRowContext(ctx, call(procGetWagerTotals, "wagered, paid, bets", 1), since.UTC()).
			Scan(&t.Wagered, &t.Paid, &t.Bets)
	})
	return t, err
}

func (p *Postgres) ListGemStats(ctx context.Context) ([]GemStats, error) {
	var out []GemStats
	err := p.retry(ctx, procListGemStats, func() error {
		out = out[:0]
		rows, err := p.db.QueryContext(ctx, call(procListGemStats, "username, total_wagered, counts", 0))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				g      GemStats
				counts pq.Int64Array
			)
			if err := rows.Scan(&g.Username, &g.TotalWagered, &counts); err != nil {
				return err
			}
			copy(g.Counts[:], counts)
			out = append(out, g)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) RecordPrice(ctx context.Context, price decimal.Decimal, source string) error {
	return p.retry(ctx, procRecordPrice, func() error {
		_, err := p.db.ExecContext(ctx, call(procRecordPrice, "1", 2), price, source)
		return err
	})
}

// Ping para o health check
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
