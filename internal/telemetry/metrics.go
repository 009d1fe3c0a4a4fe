package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_enqueued_total", Help: "Total enqueued jobs"})
	DispatchSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_attempts_succeeded_total", Help: "Dispatch attempts that succeeded"})
	DispatchTransient = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_attempts_transient_total", Help: "Dispatch attempts that failed transiently and will retry"})
	DispatchPermanent = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_attempts_permanent_total", Help: "Dispatch attempts that failed permanently"})
	RateLimitDefers   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rate_limit_defers_total", Help: "Dispatches deferred by the rate limiter"})
	ReclaimedJobs     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_reclaimed_total", Help: "Jobs reclaimed from expired claims"})
	RuleFires         = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rule_fires_total", Help: "Rule triggers that produced a job"})
	RuleSkips         = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rule_skips_total", Help: "Rule triggers skipped by quota or cooldown"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Jobs currently claimed"})
	PacingSleep       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dispatch_pacing_sleep_seconds", Help: "Pacing delay inserted before dispatch calls", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DispatchSuccess,
			DispatchTransient,
			DispatchPermanent,
			RateLimitDefers,
			ReclaimedJobs,
			RuleFires,
			RuleSkips,
			QueueDepthGauge,
			InFlightGauge,
			PacingSleep,
		)
	})
	return promhttp.Handler()
}
