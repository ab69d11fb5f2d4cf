package leader

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	IsLeader *prometheus.GaugeVec
	Runs     *prometheus.CounterVec
	RunDur   *prometheus.HistogramVec
	Changes  *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		IsLeader: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leader_is_leader",
				Help: "1 when this instance holds the job lease.",
			},
			[]string{"job"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leader_job_runs_total",
				Help: "Singleton job executions by result.",
			},
			[]string{"job", "result"},
		),
		RunDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leader_job_duration_seconds",
				Help:    "Singleton job execution time.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		Changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leader_transitions_total",
				Help: "Lease acquisitions and losses.",
			},
			[]string{"job", "event"},
		),
	}
	registry.MustRegister(m.IsLeader, m.Runs, m.RunDur, m.Changes)
	return m
}
