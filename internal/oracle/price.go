// Package oracle mantém o preço SOL/USD (multi-fonte, com cache compartilhado)
// e o status do bankroll da casa.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
)

var ErrNoPrice = errors.New("oracle: no price source available")

// LamportsPerSOL = 1e9
var LamportsPerSOL = decimal.New(1, 9)

// Lamports converte USD em lamports: floor(usd / price * 1e9)
func Lamports(usd, price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		return 0, ErrBadPrice
	}
	if usd.IsNegative() {
		return 0, fmt.Errorf("oracle: negative amount %s", usd)
	}
	return usd.Mul(LamportsPerSOL).Div(price).Floor().IntPart(), nil
}

// USD converte lamports em USD ao preço dado
func USD(lamports int64, price decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(lamports).Div(LamportsPerSOL).Mul(price)
}

// Quote é o preço publicado no cache compartilhado
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// PriceRecorder persiste o histórico de preço no ledger
type PriceRecorder interface {
	RecordPrice(ctx context.Context, price decimal.Decimal, source string) error
}

// PriceService consulta as fontes em ordem fixa; a primeira com preço positivo vence
type PriceService struct {
	sources  []Source
	rdb      *redis.Client
	recorder PriceRecorder
	ttl      time.Duration
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewPriceService(sources []Source, rdb *redis.Client, recorder PriceRecorder, ttl time.Duration, log *zap.Logger, m *Metrics) *PriceService {
	return &PriceService{
		sources:  sources,
		rdb:      rdb,
		recorder: recorder,
		ttl:      ttl,
		log:      log.With(zap.String("component", "price-oracle")),
		metrics:  m,
		now:      time.Now,
	}
}

// Refresh busca um preço novo e publica no cache. Executado pelo job price-oracle.
func (s *PriceService) Refresh(ctx context.Context) (Quote, error) {
	for _, src := range s.sources {
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		price, err := src.Fetch(fctx)
		cancel()
		if err == nil && !price.IsPositive() {
			err = ErrBadPrice
		}
		s.count(ctx, src.Name(), err)
		if err != nil {
			s.log.Warn("price source failed", zap.String("source", src.Name()), zap.Error(err))
			continue
		}

		q := Quote{Price: price, Source: src.Name(), FetchedAt: s.now().UTC()}
		if err := coord.PublishJSON(ctx, s.rdb, coord.PriceKey, q, s.ttl); err != nil {
			return q, fmt.Errorf("publish price: %w", err)
		}
		if s.recorder != nil {
			if err := s.recorder.RecordPrice(ctx, price, src.Name()); err != nil {
				s.log.Warn("record price failed", zap.Error(err))
			}
		}
		if s.metrics != nil {
			s.metrics.Price.Set(price.InexactFloat64())
		}
		return q, nil
	}
	return Quote{}, ErrNoPrice
}

func (s *PriceService) count(ctx context.Context, source string, err error) {
	result := "ok"
	if err != nil {
		result = "fail"
	}
	if s.metrics != nil {
		s.metrics.SourceFetches.WithLabelValues(source, result).Inc()
	}
	if herr := s.rdb.HIncrBy(ctx, coord.PriceSourceStatsKey, source+":"+result, 1).Err(); herr != nil {
		s.log.Debug("source stats update failed", zap.Error(herr))
	}
}

// Cached retorna o último preço publicado, se ainda válido
func (s *PriceService) Cached(ctx context.Context) (Quote, bool, error) {
	var q Quote
	ok, err := coord.ReadJSON(ctx, s.rdb, coord.PriceKey, &q)
	return q, ok, err
}

// CurrentPrice usa o cache e, na falta dele, consulta as fontes
func (s *PriceService) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	q, ok, err := s.Cached(ctx)
	if err != nil {
		s.log.Warn("price cache read failed", zap.Error(err))
	}
	if ok && q.Price.IsPositive() {
		return q.Price, nil
	}
	q, err = s.Refresh(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// SourceStats devolve os contadores "<fonte>:ok|fail"
func (s *PriceService) SourceStats(ctx context.Context) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, coord.PriceSourceStatsKey).Result()
}
