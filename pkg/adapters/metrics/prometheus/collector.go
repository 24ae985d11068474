package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements the metrics port on Prometheus. Metrics are exposed on
// the HTTP server's /metrics endpoint through promhttp.
type Collector struct {
	requestsSubmitted *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestDuration   prometheus.Histogram
	tasksExecuted     *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	spendTotal        prometheus.Counter
	budgetUtilization prometheus.Gauge
	budgetTier        *prometheus.GaugeVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	modelCalls        *prometheus.CounterVec
	modelLatency      *prometheus.HistogramVec
	invalidTransition prometheus.Counter
}

// NewCollector creates a Prometheus metrics collector and registers its
// series with the default registry.
func NewCollector() *Collector {
	return &Collector{
		requestsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewd_requests_submitted_total",
				Help: "Total number of requests submitted",
			},
			[]string{"status"},
		),
		requestsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewd_requests_completed_total",
				Help: "Total number of requests reaching a terminal state",
			},
			[]string{"status"},
		),
		requestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crewd_request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		tasksExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewd_tasks_executed_total",
				Help: "Total number of task attempts",
			},
			[]string{"capability", "status"},
		),
		taskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crewd_task_duration_seconds",
				Help:    "Task attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"capability"},
		),
		cacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewd_cache_lookups_total",
				Help: "Total number of result cache lookups",
			},
			[]string{"outcome"},
		),
		spendTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crewd_spend_total",
				Help: "Cumulative model spend in dollars",
			},
		),
		budgetUtilization: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewd_budget_utilization",
				Help: "Current window spend over window limit",
			},
		),
		budgetTier: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crewd_budget_tier",
				Help: "Current budget tier (1 for the active tier, 0 otherwise)",
			},
			[]string{"tier"},
		),
		workerPoolIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewd_worker_pool_idle",
				Help: "Number of idle pool workers",
			},
		),
		workerPoolBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewd_worker_pool_busy",
				Help: "Number of busy pool workers",
			},
		),
		workerPoolStopped: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewd_worker_pool_stopped",
				Help: "Number of stopped pool workers",
			},
		),
		modelCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewd_model_calls_total",
				Help: "Total number of model API calls",
			},
			[]string{"capability"},
		),
		modelLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crewd_model_latency_seconds",
				Help:    "Model API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"capability"},
		),
		invalidTransition: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crewd_invalid_transitions_total",
				Help: "Total number of rejected task status transitions",
			},
		),
	}
}

// RecordRequestSubmitted records a request submission.
func (c *Collector) RecordRequestSubmitted(status string) {
	c.requestsSubmitted.WithLabelValues(status).Inc()
}

// RecordRequestCompleted records a request reaching a terminal state.
func (c *Collector) RecordRequestCompleted(status string, duration time.Duration) {
	c.requestsCompleted.WithLabelValues(status).Inc()
	c.requestDuration.Observe(duration.Seconds())
}

// RecordTaskExecuted records one task attempt.
func (c *Collector) RecordTaskExecuted(capability, status string, duration time.Duration) {
	c.tasksExecuted.WithLabelValues(capability, status).Inc()
	c.taskDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordSpend adds to the cumulative spend counter.
func (c *Collector) RecordSpend(amount float64) {
	c.spendTotal.Add(amount)
}

// RecordBudgetTier records the active tier and the utilization ratio.
func (c *Collector) RecordBudgetTier(tier string, utilization float64) {
	c.budgetUtilization.Set(utilization)
	for _, t := range []string{"normal", "warning", "degraded", "critical", "blocked"} {
		v := 0.0
		if t == tier {
			v = 1.0
		}
		c.budgetTier.WithLabelValues(t).Set(v)
	}
}

// RecordWorkerPoolStatus records pool occupancy.
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// RecordModelCall records one model API call.
func (c *Collector) RecordModelCall(capability string, duration time.Duration) {
	c.modelCalls.WithLabelValues(capability).Inc()
	c.modelLatency.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordInvalidTransition counts a rejected status transition.
func (c *Collector) RecordInvalidTransition() {
	c.invalidTransition.Inc()
}
