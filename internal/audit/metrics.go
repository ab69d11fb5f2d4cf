package audit

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Runs           *prometheus.CounterVec
	Healthy        *prometheus.GaugeVec
	ReconMismatch  prometheus.Gauge
	RTP            prometheus.Gauge
	FairnessFlags  prometheus.Gauge
	StashesExpired prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_runs_total",
				Help: "Audit executions by audit and result.",
			},
			[]string{"audit", "result"},
		),
		Healthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "audit_healthy",
				Help: "1 when the last audit result was healthy.",
			},
			[]string{"audit"},
		),
		ReconMismatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_reconciliation_mismatches",
			Help: "Vaults whose on-chain balance diverges from the ledger.",
		}),
		RTP: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_rtp_ratio",
			Help: "Return-to-player over the audit window.",
		}),
		FairnessFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_gem_fairness_flags",
			Help: "User/rarity pairs outside the fairness tolerance.",
		}),
		StashesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_gem_stashes_expired_total",
			Help: "Gem stashes expired before the paired win.",
		}),
	}
	registry.MustRegister(m.Runs, m.Healthy, m.ReconMismatch, m.RTP, m.FairnessFlags, m.StashesExpired)
	return m
}
