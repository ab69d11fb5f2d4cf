package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/coord"
)

type PnLReport struct {
	Since      time.Time  `json:"since"`
	Wagered    int64      `json:"wagered"`
	Paid       int64      `json:"paid"`
	HouseNet   int64      `json:"houseNet"`
	Bets       int64      `json:"bets"`
	RTP        float64    `json:"rtp"`
	Band       [2]float64 `json:"band"`
	Suppressed bool       `json:"suppressed,omitempty"`
	Healthy    bool       `json:"healthy"`
	RanAt      time.Time  `json:"ranAt"`
}

// PnL calcula o RTP (pago/apostado) da janela; abaixo da amostra mínima não alerta
func (a *Auditor) PnL(ctx context.Context) (PnLReport, error) {
	now := a.now()
	since := now.Add(-a.cfg.RTPWindow)
	t, err := a.store.WagerTotals(ctx, since)
	if err != nil {
		a.failed(NamePnL)
		return PnLReport{}, fmt.Errorf("wager totals: %w", err)
	}

	rep := PnLReport{
		Since:    since.UTC(),
		Wagered:  t.Wagered,
		Paid:     t.Paid,
		HouseNet: t.Wagered - t.Paid,
		Bets:     t.Bets,
		Band:     [2]float64{a.cfg.RTPMin, a.cfg.RTPMax},
		Healthy:  true,
		RanAt:    now.UTC(),
	}
	if t.Wagered > 0 {
		rep.RTP = float64(t.Paid) / float64(t.Wagered)
	}
	if t.Bets < a.cfg.RTPMinSample || t.Wagered == 0 {
		rep.Suppressed = true
	} else {
		rep.Healthy = rep.RTP >= a.cfg.RTPMin && rep.RTP <= a.cfg.RTPMax
	}

	if a.metrics != nil && !rep.Suppressed {
		a.metrics.RTP.Set(rep.RTP)
	}
	a.log.Info("pnl audit done",
		zap.Float64("rtp", rep.RTP),
		zap.Int64("bets", rep.Bets),
		zap.Bool("suppressed", rep.Suppressed),
	)
	if !rep.Healthy {
		a.notify(ctx, alert.Alert{
			Key:      "audit-pnl",
			Severity: alert.SeverityWarning,
			Title:    "RTP outside healthy band",
			Message:  fmt.Sprintf("rtp %.4f outside [%.2f, %.2f] over %d bets", rep.RTP, a.cfg.RTPMin, a.cfg.RTPMax, rep.Bets),
			Fields:   map[string]any{"wagered": rep.Wagered, "paid": rep.Paid, "bets": rep.Bets},
		})
	}
	if err := a.publish(ctx, NamePnL, coord.PnLKey, rep, a.cfg.PnLTTL, rep.Healthy); err != nil {
		return rep, fmt.Errorf("publish pnl: %w", err)
	}
	return rep, nil
}
