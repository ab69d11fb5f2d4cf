package settlement

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Batches      *prometheus.CounterVec
	Items        *prometheus.CounterVec
	SubmitDur    prometheus.Histogram
	Pending      prometheus.Gauge
	BreakerOpen  prometheus.Gauge
	BreakerTrips *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_batches_total",
				Help: "Settlement transactions submitted by result.",
			},
			[]string{"result"},
		),
		Items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_items_total",
				Help: "Settlement rows processed by result.",
			},
			[]string{"result"},
		),
		SubmitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_submit_duration_seconds",
			Help:    "Submit plus confirmation time of a settlement transaction.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_pending_rows",
			Help: "Rows waiting for on-chain settlement.",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_circuit_open",
			Help: "1 while settlement submission is paused.",
		}),
		BreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_circuit_trips_total",
				Help: "Circuit breaker trips by cause.",
			},
			[]string{"cause"},
		),
	}
	registry.MustRegister(m.Batches, m.Items, m.SubmitDur, m.Pending, m.BreakerOpen, m.BreakerTrips)
	return m
}
