package mutator

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Events      *prometheus.CounterVec
	ApplyDur    prometheus.Histogram
	Flags       *prometheus.CounterVec
	GemsAwarded *prometheus.CounterVec
	GemsLost    prometheus.Counter
	EffectFails prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mutator_events_total",
				Help: "Events processed by kind and result.",
			},
			[]string{"kind", "result"},
		),
		ApplyDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mutator_apply_duration_seconds",
			Help:    "Event apply duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		Flags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mutator_invariant_flags_total",
				Help: "Invariant violations recorded on mutations.",
			},
			[]string{"flag"},
		),
		GemsAwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mutator_gems_awarded_total",
				Help: "Gems awarded by rarity and source.",
			},
			[]string{"rarity", "source"},
		),
		GemsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mutator_gems_forfeited_total",
			Help: "Stashed gems forfeited by cancelled rounds.",
		}),
		EffectFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mutator_post_commit_effect_failures_total",
			Help: "Post-commit effects that failed.",
		}),
	}
	registry.MustRegister(m.Events, m.ApplyDur, m.Flags, m.GemsAwarded, m.GemsLost, m.EffectFails)
	return m
}
