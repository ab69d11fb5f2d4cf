package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/vault"
)

const (
	CauseThreshold = "threshold"
	CauseSystemic  = "systemic"
	CauseManual    = "manual"
)

// apaga pause_until só se ainda for a pausa que expirou
var resumeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// BreakerStatus é o estado exposto em /v1/status/circuit
type BreakerStatus struct {
	Paused   bool      `json:"paused"`
	Until    time.Time `json:"until,omitempty"`
	Failures int       `json:"failures"`
}

// Breaker pausa as submissões após N falhas consecutivas. O pause_until fica no Redis
// e vale para todas as réplicas; o contador de falhas é local.
type Breaker struct {
	rdb       *redis.Client
	threshold int
	cooldown  time.Duration
	alerts    alert.Notifier
	log       *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	mu       sync.Mutex
	failures int
}

func NewBreaker(rdb *redis.Client, threshold int, cooldown time.Duration, alerts alert.Notifier, log *zap.Logger, m *Metrics) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{
		rdb:       rdb,
		threshold: threshold,
		cooldown:  cooldown,
		alerts:    alerts,
		log:       log.With(zap.String("component", "breaker")),
		metrics:   m,
		now:       time.Now,
	}
}

// Allow indica se a submissão pode prosseguir. Uma pausa vencida é removida aqui.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	raw, until, err := b.pauseUntil(ctx)
	if err != nil {
		return false, err
	}
	if raw == "" {
		b.gauge(false)
		return true, nil
	}
	if b.now().Before(until) {
		b.gauge(true)
		return false, nil
	}

	n, err := resumeScript.Run(ctx, b.rdb, []string{coord.CircuitPauseKey}, raw).Int()
	if err != nil {
		return false, fmt.Errorf("resume circuit: %w", err)
	}
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
	b.gauge(false)
	if n == 1 {
		b.log.Info("settlement circuit resumed", zap.Time("paused_until", until))
		b.notify(ctx, alert.Alert{
			Key:      "circuit-resumed",
			Severity: alert.SeverityInfo,
			Title:    "settlement resumed",
			Fields:   map[string]any{"paused_until": until},
		})
	}
	return true, nil
}

// Success zera o contador local
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failure registra uma falha de submissão. Erros sistêmicos do programa
// (pausa de manutenção/emergência) abrem o circuito na hora.
func (b *Breaker) Failure(ctx context.Context, cause error) (bool, error) {
	b.mu.Lock()
	b.failures++
	n := b.failures
	b.mu.Unlock()

	switch {
	case vault.IsSystemic(cause):
		return true, b.trip(ctx, CauseSystemic, cause)
	case n >= b.threshold:
		return true, b.trip(ctx, CauseThreshold, cause)
	default:
		return false, nil
	}
}

// Trip abre o circuito manualmente (vaultctl)
func (b *Breaker) Trip(ctx context.Context, reason string) error {
	return b.trip(ctx, CauseManual, errors.New(reason))
}

// Reset remove a pausa e zera o contador
func (b *Breaker) Reset(ctx context.Context) error {
	b.Success()
	b.gauge(false)
	return b.rdb.Del(ctx, coord.CircuitPauseKey).Err()
}

// Status lê o estado compartilhado
func (b *Breaker) Status(ctx context.Context) (BreakerStatus, error) {
	raw, until, err := b.pauseUntil(ctx)
	if err != nil {
		return BreakerStatus{}, err
	}
	b.mu.Lock()
	st := BreakerStatus{Failures: b.failures}
	b.mu.Unlock()
	if raw != "" {
		st.Until = until
		st.Paused = b.now().Before(until)
	}
	return st, nil
}

func (b *Breaker) trip(ctx context.Context, cause string, err error) error {
	until := b.now().Add(b.cooldown)
	// TTL maior que o cooldown para a réplica que ver a pausa vencida emitir o "resumed"
	if err := b.rdb.Set(ctx, coord.CircuitPauseKey, until.UnixMilli(), 2*b.cooldown).Err(); err != nil {
		return fmt.Errorf("set pause_until: %w", err)
	}

	b.mu.Lock()
	failures := b.failures
	b.failures = 0
	b.mu.Unlock()

	b.gauge(true)
	if b.metrics != nil {
		b.metrics.BreakerTrips.WithLabelValues(cause).Inc()
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.log.Error("settlement circuit opened",
		zap.String("cause", cause),
		zap.Int("consecutive_failures", failures),
		zap.Time("until", until),
		zap.Error(err),
	)
	b.notify(ctx, alert.Alert{
		Key:      "circuit-paused",
		Severity: alert.SeverityCritical,
		Title:    "settlement paused",
		Message:  msg,
		Fields: map[string]any{
			"cause":    cause,
			"failures": failures,
			"until":    until,
		},
	})
	return nil
}

func (b *Breaker) pauseUntil(ctx context.Context) (string, time.Time, error) {
	raw, err := b.rdb.Get(ctx, coord.CircuitPauseKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get pause_until: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// valor corrompido conta como pausa vencida
		return raw, time.Time{}, nil
	}
	return raw, time.UnixMilli(ms), nil
}

func (b *Breaker) gauge(open bool) {
	if b.metrics == nil {
		return
	}
	if open {
		b.metrics.BreakerOpen.Set(1)
	} else {
		b.metrics.BreakerOpen.Set(0)
	}
}

func (b *Breaker) notify(ctx context.Context, a alert.Alert) {
	if b.alerts != nil {
		b.alerts.Notify(ctx, a)
	}
}
