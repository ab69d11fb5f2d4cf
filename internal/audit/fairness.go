package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/alert"
	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/gems"
)

type FairnessFlag struct {
	Username string  `json:"username"`
	Rarity   string  `json:"rarity"`
	Actual   int64   `json:"actual"`
	Expected float64 `json:"expected"`
	Ratio    float64 `json:"ratio"`
}

type FairnessReport struct {
	Users        int            `json:"users"`
	Evaluated    int            `json:"evaluated"`
	Tolerance    float64        `json:"tolerance"`
	Flags        []FairnessFlag `json:"flags,omitempty"`
	ExpiredStash int            `json:"expiredStashes"`
	LostGems     int            `json:"lostGems"`
	Healthy      bool           `json:"healthy"`
	RanAt        time.Time      `json:"ranAt"`
}

// Expected é a contagem esperada de uma raridade para o total apostado (multiplicador 1.0x)
func Expected(totalWagered int64, rarity int) float64 {
	if totalWagered <= 0 {
		return 0
	}
	increments := float64(totalWagered / gems.Increment)
	return increments * gems.BaseRate() * gems.BandProbability(rarity)
}

// GemFairness compara gemas recebidas com o esperado por usuário e raridade.
// Também expira os stashes vencidos, contando as gemas como perdidas.
func (a *Auditor) GemFairness(ctx context.Context) (FairnessReport, error) {
	now := a.now()
	rep := FairnessReport{Tolerance: a.cfg.FairnessTolerance, Healthy: true, RanAt: now.UTC()}

	if a.stash != nil {
		expired, err := a.stash.Sweep(ctx, now)
		if err != nil {
			a.log.Warn("gem stash sweep failed", zap.Error(err))
		}
		for _, e := range expired {
			rep.LostGems += e.Awarded.Total()
			a.log.Info("gem stash expired",
				zap.String("username", e.Username),
				zap.String("round_id", e.RoundID),
				zap.Int("gems", e.Awarded.Total()),
			)
		}
		rep.ExpiredStash = len(expired)
		if a.metrics != nil {
			a.metrics.StashesExpired.Add(float64(len(expired)))
		}
	}

	stats, err := a.store.ListGemStats(ctx)
	if err != nil {
		a.failed(NameGemFairness)
		return rep, fmt.Errorf("list gem stats: %w", err)
	}
	rep.Users = len(stats)
	for _, s := range stats {
		for r := range gems.Names {
			exp := Expected(s.TotalWagered, r)
			if exp < a.cfg.FairnessMinExpected {
				continue
			}
			rep.Evaluated++
			ratio := float64(s.Counts[r]) / exp
			if ratio > a.cfg.FairnessTolerance || ratio < 1/a.cfg.FairnessTolerance {
				rep.Flags = append(rep.Flags, FairnessFlag{
					Username: s.Username,
					Rarity:   gems.Names[r],
					Actual:   s.Counts[r],
					Expected: exp,
					Ratio:    ratio,
				})
			}
		}
	}
	rep.Healthy = len(rep.Flags) == 0

	if a.metrics != nil {
		a.metrics.FairnessFlags.Set(float64(len(rep.Flags)))
	}
	a.log.Info("gem fairness audit done",
		zap.Int("users", rep.Users),
		zap.Int("evaluated", rep.Evaluated),
		zap.Int("flags", len(rep.Flags)),
		zap.Int("expired_stashes", rep.ExpiredStash),
	)
	if !rep.Healthy {
		a.notify(ctx, alert.Alert{
			Key:      "audit-gem-fairness",
			Severity: alert.SeverityWarning,
			Title:    "gem drop rate outside tolerance",
			Message:  fmt.Sprintf("%d user/rarity pairs outside x%.1f of expected", len(rep.Flags), a.cfg.FairnessTolerance),
			Fields:   map[string]any{"flags": len(rep.Flags)},
		})
	}
	if err := a.publish(ctx, NameGemFairness, coord.GemFairnessKey, rep, a.cfg.FairnessTTL, rep.Healthy); err != nil {
		return rep, fmt.Errorf("publish gem fairness: %w", err)
	}
	return rep, nil
}
