package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline counters for Prometheus scraping.
type Metrics struct {
	CacheHits   prometheus.Counter
	RateLimited prometheus.Counter
	Duplicates  prometheus.Counter
	Executions  *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_hits_total",
			Help: "Requests served from the result cache.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_duplicates_total",
			Help: "Mutating requests suppressed by the idempotency guard.",
		}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_executions_total",
			Help: "Operations executed against the store of record.",
		}, []string{"route"}),
	}
}
