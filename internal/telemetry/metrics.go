package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_dispatched_total", Help: "Work items published to the processing stream"})
	DispatchFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_dispatch_failures_total", Help: "Publishes that exhausted local retries"})
	CallOutcomes       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "invoices_call_outcomes_total", Help: "Outbound call outcomes by class"}, []string{"outcome"})
	DeadLetterCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_dead_letter_total", Help: "Work items moved to the dead-letter stream"})
	IgnoredCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "invoices_messages_ignored_total", Help: "Messages acked without processing"}, []string{"reason"})
	SkippedTicks       = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_scheduler_skipped_ticks_total", Help: "Scheduler ticks skipped because a run was in flight"})
	TokenRefreshes     = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_token_refreshes_total", Help: "Credential exchanges performed"})
	RateLimitWaits     = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_rate_limit_waits_total", Help: "Calls that waited on the shared call budget"})
	BreakerState       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "invoices_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "invoices_inflight", Help: "Work items currently being processed"})
	PendingDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "invoices_pending_depth", Help: "Invoices pending dispatch at the last orchestration run"})
	ArchivedDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_dead_letter_archived_total", Help: "Dead-letter records uploaded to object storage"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchedCounter,
			DispatchFailures,
			CallOutcomes,
			DeadLetterCounter,
			IgnoredCounter,
			SkippedTicks,
			TokenRefreshes,
			RateLimitWaits,
			BreakerState,
			InFlightGauge,
			PendingDepthGauge,
			ArchivedDeadLetter,
		)
	})
	return promhttp.Handler()
}
