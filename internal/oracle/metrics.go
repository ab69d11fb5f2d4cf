package oracle

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	SourceFetches *prometheus.CounterVec
	Price         prometheus.Gauge
	BankrollUSD   prometheus.Gauge
	BankrollOK    prometheus.Gauge
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		SourceFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_source_fetches_total",
				Help: "Price fetches per source and result.",
			},
			[]string{"source", "result"},
		),
		Price: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_sol_usd_price",
			Help: "Last SOL/USD price accepted.",
		}),
		BankrollUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_bankroll_usd",
			Help: "House vault value in USD.",
		}),
		BankrollOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_bankroll_healthy",
			Help: "1 when the bankroll is above the configured minimum.",
		}),
	}
	registry.MustRegister(m.SourceFetches, m.Price, m.BankrollUSD, m.BankrollOK)
	return m
}
