package infra

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"admission-gateway/middleware/ratelimit/domain"
)

// PromStats expõe as decisões do gate e a latência do store como métricas Prometheus.
type PromStats struct {
	decisions    *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
}

// NewPromStats registra os coletores em reg. Com reg nil usa o
// prometheus.DefaultRegisterer.
func NewPromStats(reg prometheus.Registerer) *PromStats {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromStats{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome and client tier.",
		}, []string{"outcome", "tier"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "admission",
			Name:      "store_hit_duration_seconds",
			Help:      "Latency of sliding window store operations.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"result"}),
	}
	reg.MustRegister(s.decisions, s.storeLatency)
	return s
}

func (s *PromStats) Record(_ context.Context, ev domain.StatsEvent) error {
	s.decisions.WithLabelValues(ev.Outcome.String(), ev.Tier.String()).Inc()
	return nil
}

// InstrumentStore mede cada Hit de next no histograma de latência.
func (s *PromStats) InstrumentStore(next domain.WindowStore) domain.WindowStore {
	return &instrumentedStore{next: next, latency: s.storeLatency}
}

type instrumentedStore struct {
	next    domain.WindowStore
	latency *prometheus.HistogramVec
}

func (i *instrumentedStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	start := time.Now()
	n, err := i.next.Hit(ctx, key, now, window)
	result := "ok"
	if err != nil {
		result = "error"
	}
	i.latency.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return n, err
}
