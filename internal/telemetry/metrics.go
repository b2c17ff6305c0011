package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "announcement_tasks_submitted_total", Help: "Delivery tasks handed to the queue"})
	SubmitFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "announcement_task_submit_failures_total", Help: "Delivery tasks the queue refused"})
	DeliveriesTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "announcement_deliveries_total", Help: "Recipient deliveries settled, by outcome"}, []string{"outcome"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "announcement_delivery_retries_total", Help: "Transient failures rescheduled with backoff"})
	WorkerAbandoned  = prometheus.NewCounter(prometheus.CounterOpts{Name: "announcement_delivery_abandoned_total", Help: "Tasks that ran out of attempts"})
	Throttled        = prometheus.NewCounter(prometheus.CounterOpts{Name: "announcement_delivery_throttled_total", Help: "Tasks deferred by the notifier rate limit"})
	RunsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "announcement_runs_completed_total", Help: "Runs that reached a final status"}, []string{"status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "announcement_rate_limit_rejects_total", Help: "Operator requests rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "announcement_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "announcement_tasks_inflight", Help: "Tasks currently being delivered"})
	NotifierLatency  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "announcement_notifier_seconds",
		Help:    "Time spent in the notifier per delivery attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			SubmitFailures,
			DeliveriesTotal,
			WorkerRetries,
			WorkerAbandoned,
			Throttled,
			RunsCompleted,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			NotifierLatency,
		)
	})
	return promhttp.Handler()
}
