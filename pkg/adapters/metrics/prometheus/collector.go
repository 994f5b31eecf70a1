package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	executionsCreated  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   prometheus.Gauge
	sanityFailures     *prometheus.CounterVec

	// Scheduling and dispatch
	schedulingAttempts *prometheus.CounterVec
	schedulingDuration prometheus.Histogram
	tasksDispatched    *prometheus.CounterVec
	dispatchPool       *prometheus.GaugeVec
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		executionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_executions_created_total",
				Help: "Total number of executions created",
			},
			[]string{"type", "status"},
		),
		executionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_executions_finished_total",
				Help: "Total number of executions that reached a final status",
			},
			[]string{"type", "status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
			},
			[]string{"type"},
		),
		activeExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_executions",
				Help: "Number of executions in progress",
			},
		),
		sanityFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_sanity_check_failures_total",
				Help: "Total number of execution plans rejected by the sanity checker",
			},
			[]string{"kind"},
		),
		schedulingAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_scheduling_attempts_total",
				Help: "Total number of worker service resolution attempts",
			},
			[]string{"outcome"},
		),
		schedulingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_scheduling_duration_seconds",
				Help:    "Time spent resolving a worker service, retries included",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		tasksDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tasks_dispatched_total",
				Help: "Total number of tasks handed to the dispatch pool by outcome",
			},
			[]string{"task_type", "status"},
		),
		dispatchPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_dispatch_pool_workers",
				Help: "Dispatch pool workers by status",
			},
			[]string{"status"},
		),
	}
}

// RecordExecutionCreated records a new execution
func (c *Collector) RecordExecutionCreated(executionType string, status string) {
	c.executionsCreated.WithLabelValues(executionType, status).Inc()
	c.activeExecutions.Inc()
}

// RecordExecutionFinished records an execution reaching a final status
func (c *Collector) RecordExecutionFinished(executionType string, status string, duration time.Duration) {
	c.executionsFinished.WithLabelValues(executionType, status).Inc()
	c.executionDuration.WithLabelValues(executionType).Observe(duration.Seconds())
	c.activeExecutions.Dec()
}

// RecordSanityCheckFailure records a rejected execution plan
func (c *Collector) RecordSanityCheckFailure(kind string) {
	c.sanityFailures.WithLabelValues(kind).Inc()
}

// RecordSchedulingAttempt records one resolution attempt
func (c *Collector) RecordSchedulingAttempt(outcome string) {
	c.schedulingAttempts.WithLabelValues(outcome).Inc()
}

// RecordSchedulingDuration records the time a resolution took
func (c *Collector) RecordSchedulingDuration(duration time.Duration) {
	c.schedulingDuration.Observe(duration.Seconds())
}

// RecordTaskDispatched records a dispatch outcome
func (c *Collector) RecordTaskDispatched(taskType string, status string) {
	c.tasksDispatched.WithLabelValues(taskType, status).Inc()
}

// RecordDispatchPoolStatus records dispatch pool worker counts
func (c *Collector) RecordDispatchPoolStatus(idle, busy, stopped int) {
	c.dispatchPool.WithLabelValues("idle").Set(float64(idle))
	c.dispatchPool.WithLabelValues("busy").Set(float64(busy))
	c.dispatchPool.WithLabelValues("stopped").Set(float64(stopped))
}
