package mutator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/gems"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

// Motivos gravados na linha de settlement
const (
	reasonRegular   = "regular"
	reasonBonus     = "bonus"
	reasonGamble    = "gamble"
	reasonCancelWin = "cancelwin"
	reasonReversal  = "reversal"
)

// applyBet: debita, acumula stake da rodada e guarda as gemas até o win
func (s *Service) applyBet(ctx context.Context, m *mutation) error {
	user, err := s.user(ctx, m.ev.Username)
	if err != nil {
		return err
	}
	roll := s.lottery.Roll(user.Username, user.TotalWagered, user.TotalWagered+m.lamports, user.Multiplier)
	m.gems = &repo.GemPayload{WagerDelta: m.lamports, Rolls: roll.Rolls, Awarded: roll.Awarded}
	m.stakeDelta = m.lamports

	if roll.Rolls > 0 {
		entry := gems.Entry{
			Username: user.Username,
			RoundID:  m.ev.GameRoundID,
			Rolls:    roll.Rolls,
			Awarded:  roll.Awarded,
			EventID:  m.ev.EventID,
		}
		added, err := s.stash.PutOnce(ctx, entry)
		if err != nil {
			return fmt.Errorf("stash gems: %w", err)
		}
		if added {
			m.undo = append(m.undo, func(ctx context.Context) {
				if err := s.stash.Revert(ctx, entry); err != nil {
					s.log.Error("revert gem stash failed", zap.String("eventId", m.ev.EventID), zap.Error(err))
				}
			})
		}
	}

	if err := s.commit(ctx, m, -m.lamports, string(events.KindBet)); err != nil {
		return err
	}
	s.mirrorStake(m)
	return nil
}

// applyGamble: perda imediata; a linha já sai com as gemas (não haverá win)
func (s *Service) applyGamble(ctx context.Context, m *mutation) error {
	user, err := s.user(ctx, m.ev.Username)
	if err != nil {
		return err
	}
	roll := s.lottery.Roll(user.Username, user.TotalWagered, user.TotalWagered+m.lamports, user.Multiplier)
	m.gems = s.finalGems(user, m.lamports, roll.Rolls, roll.Awarded)
	m.settlement = s.row(m, user, m.lamports, 0, roll.Awarded, reasonGamble)

	if err := s.commit(ctx, m, -m.lamports, "gamble"); err != nil {
		return err
	}
	s.countFinalGems(m.gems)
	return nil
}

// applyWin: com stake => win regular (stake S, payout W); sem stake => bônus (stake 0, payout W)
func (s *Service) applyWin(ctx context.Context, m *mutation) error {
	user, err := s.user(ctx, m.ev.Username)
	if err != nil {
		return err
	}

	stake, found, err := s.takeStake(ctx, m)
	if err != nil {
		return fmt.Errorf("take stake: %w", err)
	}

	entry := s.claimGems(ctx, m)
	m.gems = s.finalGems(user, 0, entry.Rolls, entry.Awarded)

	if found {
		m.meta["winType"] = reasonRegular
		m.meta["stake"] = stake
		m.settlement = s.row(m, user, stake, m.lamports, entry.Awarded, reasonRegular)
	} else {
		m.meta["winType"] = reasonBonus
		if m.lamports > 0 {
			m.settlement = s.row(m, user, 0, m.lamports, entry.Awarded, reasonBonus)
		}
	}

	if err := s.commit(ctx, m, m.lamports, string(events.KindWin)); err != nil {
		return err
	}
	s.countFinalGems(m.gems)
	return nil
}

// applyCancel: rodada já liquidada on-chain => estorno compensatório; senão cancela localmente
func (s *Service) applyCancel(ctx context.Context, m *mutation) error {
	rs, settled, err := s.ledger.GetRoundSettlement(ctx, m.ev.Username, m.ev.GameRoundID)
	if err != nil {
		return fmt.Errorf("round settlement: %w", err)
	}
	if settled && rs.Signature != "" {
		return s.applyReversal(ctx, m, rs)
	}

	switch m.kind {
	case events.KindCancelBet:
		return s.applyCancelBet(ctx, m)
	case events.KindCancelWin:
		return s.applyCancelWin(ctx, m)
	case events.KindCancel:
		return s.applyPlainCancel(ctx, m)
	default:
		return fmt.Errorf("%w: %q is not a cancel", ErrValidation, m.kind)
	}
}

// applyReversal grava o inverso exato do par liquidado. O slot de estorno da rodada
// vive no ledger: cancelbet e cancelwin da mesma rodada, em qualquer réplica, estornam uma vez.
func (s *Service) applyReversal(ctx context.Context, m *mutation, rs repo.RoundSettlement) error {
	user, err := s.user(ctx, m.ev.Username)
	if err != nil {
		return err
	}
	m.meta["reversalOf"] = rs.BetID
	m.meta["reversedSignature"] = rs.Signature

	if rs.Reversed {
		m.flag(FlagAlreadyReversed)
		return s.commit(ctx, m, 0, string(m.kind))
	}

	m.reversesRound = true
	if m.kind != events.KindCancelWin {
		m.gems = &repo.GemPayload{WagerDelta: -rs.Stake}
	}
	// saldo varia S-P, linha com stake/payout trocados
	m.settlement = s.row(m, user, rs.Payout, rs.Stake, repo.GemVector{}, reasonReversal)
	if err := s.commit(ctx, m, rs.Stake-rs.Payout, reasonReversal); err != nil {
		return err
	}
	if m.reversalTaken {
		// outro cancel ocupou o slot entre a leitura e o commit; a procedure gravou amount 0
		m.flag(FlagAlreadyReversed)
		m.delta = 0
	}
	return nil
}

func (s *Service) applyCancelBet(ctx context.Context, m *mutation) error {
	// após um win o stake já foi consumido; cancelbet sem stake é esperado
	stake, found, err := s.cancelStake(ctx, m, false)
	if err != nil {
		return err
	}
	forfeited := s.forfeitGems(ctx, m)
	m.meta["forfeitedGems"] = forfeited.Awarded.Total()

	wager := m.lamports
	if found {
		wager = stake
	}
	m.gems = &repo.GemPayload{WagerDelta: -wager}

	memoKey := coord.CancelBetKey(m.ev.Username, m.ev.GameRoundID)
	if err := s.rdb.Set(ctx, memoKey, m.lamports, s.cfg.MemoTTL).Err(); err != nil {
		return fmt.Errorf("cancelbet memo: %w", err)
	}
	m.undo = append(m.undo, func(ctx context.Context) {
		if err := s.rdb.Del(ctx, memoKey).Err(); err != nil {
			s.log.Error("drop cancelbet memo failed", zap.String("eventId", m.ev.EventID), zap.Error(err))
		}
	})

	if err := s.commit(ctx, m, m.lamports, string(events.KindCancelBet)); err != nil {
		return err
	}
	if n := forfeited.Awarded.Total(); n > 0 && s.metrics != nil {
		s.metrics.GemsLost.Add(float64(n))
	}
	return nil
}

func (s *Service) applyCancelWin(ctx context.Context, m *mutation) error {
	user, err := s.user(ctx, m.ev.Username)
	if err != nil {
		return err
	}
	memoKey := coord.CancelBetKey(m.ev.Username, m.ev.GameRoundID)
	memo, err := s.rdb.Get(ctx, memoKey).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		m.flag(FlagMissingCancelBet)
		memo = 0
	case err != nil:
		return fmt.Errorf("cancelbet memo: %w", err)
	}
	m.meta["cancelBetAmount"] = memo

	m.settlement = s.row(m, user, m.lamports, memo, repo.GemVector{}, reasonCancelWin)
	if err := s.commit(ctx, m, -m.lamports, string(events.KindCancelWin)); err != nil {
		return err
	}
	m.fx.Add("clear cancelbet memo", func(ctx context.Context) error {
		return s.rdb.Del(ctx, memoKey).Err()
	})
	return nil
}

func (s *Service) applyPlainCancel(ctx context.Context, m *mutation) error {
	stake, found, err := s.cancelStake(ctx, m, true)
	if err != nil {
		return err
	}
	if found {
		m.gems = &repo.GemPayload{WagerDelta: -stake}
	}
	return s.commit(ctx, m, m.lamports, string(events.KindCancel))
}

// user resolve o usuário; inexistente é erro de validação
func (s *Service) user(ctx context.Context, username string) (repo.User, error) {
	u, err := s.ledger.GetUser(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.User{}, fmt.Errorf("%w: unknown user %q", ErrValidation, username)
	}
	if err != nil {
		return repo.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// row monta a intenção de liquidação; sem vault on-chain não há o que liquidar
func (s *Service) row(m *mutation, user repo.User, stake, payout int64, awarded repo.GemVector, reason string) *repo.NewSettlement {
	if user.VaultAddress == "" {
		m.flag(FlagNoVault)
		return nil
	}
	return &repo.NewSettlement{
		ID:        uuid.NewString(),
		BetID:     m.ev.EventID,
		RoundID:   m.ev.GameRoundID,
		Username:  user.Username,
		UserVault: user.VaultAddress,
		Stake:     stake,
		Payout:    payout,
		GameID:    GameID(m.ev.GameID),
		Gems:      awarded,
		Reason:    reason,
	}
}

// finalGems monta o payload que credita apostado, gemas e passe de indicação no commit
func (s *Service) finalGems(user repo.User, wager int64, rolls int, awarded repo.GemVector) *repo.GemPayload {
	p := &repo.GemPayload{WagerDelta: wager, Rolls: rolls, Awarded: awarded, Finalized: true}
	if user.Referrer == "" || awarded.Total() == 0 {
		return p
	}
	if mirrored := s.lottery.Referral(user.Referrer, awarded); mirrored.Total() > 0 {
		p.Referrer = user.Referrer
		p.Referral = mirrored
	}
	return p
}

func (s *Service) countFinalGems(p *repo.GemPayload) {
	s.countGems(p.Awarded, "lottery")
	s.countGems(p.Referral, "referral")
}

func (s *Service) countGems(v repo.GemVector, source string) {
	if s.metrics == nil {
		return
	}
	for r, n := range v {
		if n > 0 {
			s.metrics.GemsAwarded.WithLabelValues(gems.Names[r], source).Add(float64(n))
		}
	}
}

// claimGems resgata o stash da rodada (com desfazer em caso de falha no commit)
func (s *Service) claimGems(ctx context.Context, m *mutation) gems.Entry {
	entry, ok, err := s.stash.Claim(ctx, m.ev.Username, m.ev.GameRoundID)
	if err != nil {
		s.log.Warn("gem stash claim failed", zap.String("eventId", m.ev.EventID), zap.Error(err))
		return gems.Entry{}
	}
	if !ok {
		return gems.Entry{}
	}
	m.undo = append(m.undo, func(ctx context.Context) {
		if err := s.stash.Put(ctx, entry); err != nil {
			s.log.Error("restore gem stash failed", zap.String("eventId", m.ev.EventID), zap.Error(err))
		}
	})
	return entry
}

// forfeitGems descarta o stash da rodada cancelada; sem stash (ou Redis fora) o
// sweep contabiliza as gemas como perdidas no prazo
func (s *Service) forfeitGems(ctx context.Context, m *mutation) gems.Entry {
	entry, ok, err := s.stash.Forfeit(ctx, m.ev.Username, m.ev.GameRoundID)
	if err != nil {
		s.log.Warn("gem stash forfeit failed", zap.String("eventId", m.ev.EventID), zap.Error(err))
		return gems.Entry{}
	}
	if !ok {
		return gems.Entry{}
	}
	m.undo = append(m.undo, func(ctx context.Context) {
		if err := s.stash.Unforfeit(ctx, entry); err != nil {
			s.log.Error("restore forfeited gems failed", zap.String("eventId", m.ev.EventID), zap.Error(err))
		}
	})
	return entry
}

// takeStake consome o stake da rodada em nome do evento. O ledger é a fonte; o
// espelho no Redis só é limpo e comparado.
func (s *Service) takeStake(ctx context.Context, m *mutation) (int64, bool, error) {
	u, r := m.ev.Username, m.ev.GameRoundID
	cached, rerr := s.rdb.GetDel(ctx, coord.StakeKey(u, r)).Int64()
	if rerr != nil && !errors.Is(rerr, redis.Nil) {
		s.log.Warn("stake cache read failed", zap.Error(rerr))
	}

	m.undo = append(m.undo, func(ctx context.Context) { s.releaseStake(ctx, m) })
	amount, found, err := s.ledger.ConsumeStake(ctx, u, r, m.ev.EventID)
	if err != nil {
		return 0, false, err
	}
	if rerr == nil && (!found || amount != cached) {
		s.log.Warn("stake cache diverged from ledger", zap.String("roundId", r),
			zap.Int64("cache", cached), zap.Int64("ledger", amount))
	}
	return amount, found, nil
}

// cancelStake remove o stake da rodada em nome do evento; flagMissing sinaliza cancel sem stake
func (s *Service) cancelStake(ctx context.Context, m *mutation, flagMissing bool) (int64, bool, error) {
	u, r := m.ev.Username, m.ev.GameRoundID
	if err := s.rdb.Del(ctx, coord.StakeKey(u, r)).Err(); err != nil {
		s.log.Warn("stake cache delete failed", zap.Error(err))
	}

	m.undo = append(m.undo, func(ctx context.Context) { s.releaseStake(ctx, m) })
	amount, found, err := s.ledger.CancelStake(ctx, u, r, m.ev.EventID)
	if err != nil {
		return 0, false, fmt.Errorf("cancel stake: %w", err)
	}
	if !found {
		if flagMissing {
			m.flag(FlagUnmatchedCancel)
		}
		return 0, false, nil
	}
	m.meta["cancelledStake"] = amount
	return amount, true, nil
}

// releaseStake devolve à rodada o stake que este evento removeu; no-op se o evento
// já está no ledger
func (s *Service) releaseStake(ctx context.Context, m *mutation) {
	u, r := m.ev.Username, m.ev.GameRoundID
	total, released, err := s.ledger.ReleaseStake(ctx, u, r, m.ev.EventID)
	if err != nil {
		s.log.Error("release stake failed", zap.String("eventId", m.ev.EventID), zap.Error(err))
		return
	}
	if !released || total <= 0 {
		return
	}
	if err := s.rdb.Set(ctx, coord.StakeKey(u, r), total, s.cfg.StakeTTL).Err(); err != nil {
		s.log.Warn("stake cache write failed", zap.String("roundId", r), zap.Error(err))
	}
}

// mirrorStake espelha no Redis o stake acumulado que o commit devolveu
func (s *Service) mirrorStake(m *mutation) {
	key, total := coord.StakeKey(m.ev.Username, m.ev.GameRoundID), m.stakeTotal
	m.fx.Add("stake cache", func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, total, s.cfg.StakeTTL).Err()
	})
}
