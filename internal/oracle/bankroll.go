package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
)

// BalanceReader lê saldo on-chain em lamports
type BalanceReader interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

// PriceProvider é o que o mutator e o bankroll precisam do oráculo
type PriceProvider interface {
	CurrentPrice(ctx context.Context) (decimal.Decimal, error)
}

type BankrollStatus struct {
	HouseVault string          `json:"houseVault"`
	Lamports   uint64          `json:"lamports"`
	Price      decimal.Decimal `json:"price"`
	USD        decimal.Decimal `json:"usd"`
	MinUSD     decimal.Decimal `json:"minUsd"`
	Healthy    bool            `json:"healthy"`
	CheckedAt  time.Time       `json:"checkedAt"`
}

// Bankroll avalia o valor em USD do house vault contra o mínimo configurado
type Bankroll struct {
	chain   BalanceReader
	house   solana.PublicKey
	prices  PriceProvider
	minUSD  decimal.Decimal
	rdb     *redis.Client
	ttl     time.Duration
	log     *zap.Logger
	metrics *Metrics
}

func NewBankroll(chain BalanceReader, house solana.PublicKey, prices PriceProvider, minUSD float64,
	rdb *redis.Client, ttl time.Duration, log *zap.Logger, m *Metrics) *Bankroll {
	return &Bankroll{
		chain:   chain,
		house:   house,
		prices:  prices,
		minUSD:  decimal.NewFromFloat(minUSD),
		rdb:     rdb,
		ttl:     ttl,
		log:     log.With(zap.String("component", "bankroll")),
		metrics: m,
	}
}

// Check lê o saldo da casa, converte em USD e publica o status
func (b *Bankroll) Check(ctx context.Context) (BankrollStatus, error) {
	lamports, err := b.chain.Balance(ctx, b.house)
	if err != nil {
		return BankrollStatus{}, fmt.Errorf("house balance: %w", err)
	}
	price, err := b.prices.CurrentPrice(ctx)
	if err != nil {
		return BankrollStatus{}, fmt.Errorf("price: %w", err)
	}

	usd := USD(int64(lamports), price)
	st := BankrollStatus{
		HouseVault: b.house.String(),
		Lamports:   lamports,
		Price:      price,
		USD:        usd.Round(2),
		MinUSD:     b.minUSD,
		Healthy:    usd.GreaterThanOrEqual(b.minUSD),
		CheckedAt:  time.Now().UTC(),
	}

	if b.metrics != nil {
		b.metrics.BankrollUSD.Set(usd.InexactFloat64())
		if st.Healthy {
			b.metrics.BankrollOK.Set(1)
		} else {
			b.metrics.BankrollOK.Set(0)
		}
	}
	if err := coord.PublishJSON(ctx, b.rdb, coord.BankrollKey, st, b.ttl); err != nil {
		return st, fmt.Errorf("publish bankroll: %w", err)
	}
	if !st.Healthy {
		b.log.Warn("bankroll below minimum", zap.String("usd", st.USD.String()), zap.String("min", b.minUSD.String()))
	}
	return st, nil
}

// Last devolve o último status publicado
func (b *Bankroll) Last(ctx context.Context) (BankrollStatus, bool, error) {
	var st BankrollStatus
	ok, err := coord.ReadJSON(ctx, b.rdb, coord.BankrollKey, &st)
	return st, ok, err
}
