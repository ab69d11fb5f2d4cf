// Package mutator aplica eventos de aposta ao ledger exatamente uma vez e
// enfileira as liquidações on-chain correspondentes.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/effects"
	"github.com/radieske/vault-settlement/internal/gems"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
	"github.com/radieske/vault-settlement/internal/oracle"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

// Ledger é o recorte do store de ledger usado pelo mutator
type Ledger interface {
	CheckDuplicate(ctx context.Context, txID string) (bool, int64, error)
	ApplyMutation(ctx context.Context, m repo.Mutation) (repo.MutationResult, error)
	ConsumeStake(ctx context.Context, username, roundID, txID string) (int64, bool, error)
	CancelStake(ctx context.Context, username, roundID, txID string) (int64, bool, error)
	ReleaseStake(ctx context.Context, username, roundID, txID string) (int64, bool, error)
	GetUser(ctx context.Context, username string) (repo.User, error)
	GetRoundSettlement(ctx context.Context, username, roundID string) (repo.RoundSettlement, bool, error)
}

type Config struct {
	StakeTTL       time.Duration
	MemoTTL        time.Duration
	ClaimTTL       time.Duration
	TriggerDepth   int64
	ChannelBalance string
	ChannelTrigger string
	EffectTimeout  time.Duration
}

const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
)

// Result é o desfecho de Apply
type Result struct {
	Status       string   `json:"status"`
	Duplicate    bool     `json:"duplicate,omitempty"`
	Balance      int64    `json:"balance"`
	Lamports     int64    `json:"lamports"`
	SettlementID string   `json:"settlementId,omitempty"`
	Flags        []string `json:"flags,omitempty"`
}

type Service struct {
	ledger   Ledger
	rdb      *redis.Client
	prices   oracle.PriceProvider
	lottery  *gems.Lottery
	stash    *gems.Stash
	balances *coord.BalanceCache
	claims   *coord.Claims
	pub      *coord.Publisher
	cfg      Config
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewService(ledger Ledger, rdb *redis.Client, prices oracle.PriceProvider, lottery *gems.Lottery,
	stash *gems.Stash, balances *coord.BalanceCache, cfg Config, log *zap.Logger, m *Metrics) *Service {
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = 24 * time.Hour
	}
	if cfg.EffectTimeout <= 0 {
		cfg.EffectTimeout = 2 * time.Second
	}
	return &Service{
		ledger:   ledger,
		rdb:      rdb,
		prices:   prices,
		lottery:  lottery,
		stash:    stash,
		balances: balances,
		claims:   coord.NewClaims(rdb, cfg.ClaimTTL),
		pub:      coord.NewPublisher(rdb),
		cfg:      cfg,
		log:      log.With(zap.String("component", "mutator")),
		metrics:  m,
		now:      time.Now,
	}
}

// mutation carrega o estado de um evento em processamento
type mutation struct {
	ev       events.TransactionEvent
	kind     events.Kind
	lamports int64
	price    decimal.Decimal

	meta          map[string]any
	flags         []string
	gems          *repo.GemPayload
	stakeDelta    int64
	settlement    *repo.NewSettlement
	reversesRound bool

	balance       int64
	delta         int64
	seq           int64
	stakeTotal    int64
	reversalTaken bool

	settlementID string
	undo         []func(ctx context.Context)
	fx           effects.Queue
}

func (m *mutation) flag(f string) {
	m.flags = append(m.flags, f)
	m.meta[f] = true
}

// Apply valida, deduplica e aplica o evento. Duplicata é sucesso.
func (s *Service) Apply(ctx context.Context, ev events.TransactionEvent) (Result, error) {
	start := s.now()
	res, err := s.apply(ctx, ev)
	s.observe(ev.Kind, res, err, s.now().Sub(start))
	return res, err
}

func (s *Service) apply(ctx context.Context, ev events.TransactionEvent) (Result, error) {
	kind, err := validate(ev)
	if err != nil {
		return Result{}, err
	}

	// a marca vale até o commit: passos anteriores ao ledger não rodam em duas réplicas
	claim, ok, err := s.claims.Acquire(ctx, ev.EventID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrInFlight, ev.EventID)
	}
	defer func() {
		if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release event claim failed", zap.String("eventId", ev.EventID), zap.Error(err))
		}
	}()

	dup, balance, err := s.ledger.CheckDuplicate(ctx, ev.EventID)
	if err != nil {
		return Result{}, fmt.Errorf("check duplicate: %w", err)
	}
	if dup {
		return Result{Status: StatusDuplicate, Duplicate: true, Balance: balance}, nil
	}

	price, err := s.prices.CurrentPrice(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("price: %w", err)
	}
	lamports, err := oracle.Lamports(ev.AmountUSD, price)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	m := &mutation{
		ev:       ev,
		kind:     kind,
		lamports: lamports,
		price:    price,
		meta: map[string]any{
			"usdAmount": ev.AmountUSD.String(),
			"price":     price.String(),
			"subtype":   ev.Subtype,
		},
	}

	switch kind {
	case events.KindBet:
		if ev.IsGamble() {
			err = s.applyGamble(ctx, m)
		} else {
			err = s.applyBet(ctx, m)
		}
	case events.KindWin:
		err = s.applyWin(ctx, m)
	case events.KindCancel, events.KindCancelBet, events.KindCancelWin:
		err = s.applyCancel(ctx, m)
	default:
		err = fmt.Errorf("%w: unhandled kind %q", ErrValidation, kind)
	}

	if errors.Is(err, errAlreadyApplied) {
		// outra instância aplicou o mesmo evento entre o check e a mutação
		s.rollback(ctx, m)
		return Result{Status: StatusDuplicate, Duplicate: true, Balance: m.balance}, nil
	}
	if err != nil {
		s.rollback(ctx, m)
		return Result{}, err
	}

	s.enqueueEffects(m)
	if failed := m.fx.Run(ctx, s.log, s.cfg.EffectTimeout); failed > 0 && s.metrics != nil {
		s.metrics.EffectFails.Add(float64(failed))
	}

	for _, f := range m.flags {
		s.log.Warn("invariant violation", zap.String("flag", f), zap.String("eventId", ev.EventID),
			zap.String("username", ev.Username), zap.String("roundId", ev.GameRoundID))
		if s.metrics != nil {
			s.metrics.Flags.WithLabelValues(f).Inc()
		}
	}

	return Result{
		Status:       StatusApplied,
		Balance:      m.balance,
		Lamports:     lamports,
		SettlementID: m.settlementID,
		Flags:        m.flags,
	}, nil
}

func validate(ev events.TransactionEvent) (events.Kind, error) {
	var missing []string
	if strings.TrimSpace(ev.EventID) == "" {
		missing = append(missing, "eventId")
	}
	if strings.TrimSpace(ev.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(ev.GameRoundID) == "" {
		missing = append(missing, "gameRoundId")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if ev.AmountUSD.IsNegative() {
		return "", fmt.Errorf("%w: negative amount", ErrValidation)
	}
	kind, err := events.ParseKind(string(ev.Kind))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return kind, nil
}

// commit é o único ponto de escrita durável: saldo, stake da rodada, linha de
// settlement, contadores de gemas e estorno entram na mesma chamada
func (s *Service) commit(ctx context.Context, m *mutation, amount int64, op string) error {
	m.delta = amount
	res, err := s.ledger.ApplyMutation(ctx, repo.Mutation{
		TxID:          m.ev.EventID,
		Username:      m.ev.Username,
		Amount:        amount,
		Operation:     op,
		GameID:        m.ev.GameID,
		RoundID:       m.ev.GameRoundID,
		Metadata:      m.meta,
		Gems:          m.gems,
		Status:        repo.TxCompleted,
		StakeDelta:    m.stakeDelta,
		Settlement:    m.settlement,
		ReversesRound: m.reversesRound,
	})
	if err != nil {
		return fmt.Errorf("apply mutation: %w", err)
	}
	m.balance = res.Balance
	if !res.Applied {
		return errAlreadyApplied
	}
	// commit feito: nada mais a desfazer
	m.undo = nil
	m.seq = res.Seq
	m.stakeTotal = res.StakeTotal
	m.reversalTaken = res.ReversalTaken
	if m.settlement != nil && !res.ReversalTaken {
		m.settlementID = m.settlement.ID
	}
	return nil
}

// rollback desfaz os passos pré-commit (stake consumido, gemas resgatadas, memo)
func (s *Service) rollback(ctx context.Context, m *mutation) {
	ctx = context.WithoutCancel(ctx)
	for i := len(m.undo) - 1; i >= 0; i-- {
		m.undo[i](ctx)
	}
	m.undo = nil
	m.fx.Discard()
}

func (s *Service) enqueueEffects(m *mutation) {
	ev := m.ev
	commitTs := s.now().UnixMilli()
	balance, delta, seq := m.balance, m.delta, m.seq

	m.fx.Add("publish balance", func(ctx context.Context) error {
		return s.pub.Publish(ctx, s.cfg.ChannelBalance, events.BalanceChanged{
			Username: ev.Username,
			Balance:  balance,
			Delta:    delta,
			EventID:  ev.EventID,
			TsUnixMs: commitTs,
		})
	})
	m.fx.Add("balance cache", func(ctx context.Context) error {
		// ordem das escritas = sequência do ledger
		_, err := s.balances.SetIfNewer(ctx, ev.Username, balance, seq)
		return err
	})
	if m.settlementID != "" {
		m.fx.Add("settlement trigger", s.bumpDepth)
	}
}

// bumpDepth incrementa a profundidade da fila e acorda o drainer ao cruzar o limite
func (s *Service) bumpDepth(ctx context.Context) error {
	n, err := s.rdb.Incr(ctx, coord.SettlementDepthKey).Result()
	if err != nil {
		return err
	}
	if s.cfg.TriggerDepth > 0 && n == s.cfg.TriggerDepth {
		return s.rdb.Publish(ctx, s.cfg.ChannelTrigger, n).Err()
	}
	return nil
}

func (s *Service) observe(kind events.Kind, res Result, err error, d time.Duration) {
	if s.metrics == nil {
		return
	}
	result := res.Status
	switch {
	case errors.Is(err, ErrValidation):
		result = "invalid"
	case errors.Is(err, ErrInFlight):
		result = "in_flight"
	case err != nil:
		result = "error"
	}
	s.metrics.Events.WithLabelValues(string(kind), result).Inc()
	s.metrics.ApplyDur.Observe(d.Seconds())
}
