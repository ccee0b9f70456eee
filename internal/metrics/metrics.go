// ============================================================================
// hostbridge Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Counts what flows through the bridge and how long callers and the
//          host thread spend on it.
//
// Metrics:
//
//   1. Counters:
//      - hostbridge_tasks_submitted_total: tasks queued for the host thread
//      - hostbridge_tasks_inline_total: reentrant calls run synchronously
//      - hostbridge_tasks_completed_total / _failed_total
//      - hostbridge_tasks_cancelled_total / _expired_total / _orphaned_total
//      - hostbridge_caller_timeouts_total: callers that gave up
//      - hostbridge_ticks_total: drain + sweep passes
//
//   2. Histograms:
//      - hostbridge_task_wait_seconds: submission to result, seen by the caller
//      - hostbridge_task_exec_seconds: operation runtime on the host thread
//      - hostbridge_tick_seconds: time one tick blocks the host loop
//
//   3. Gauges:
//      - hostbridge_queue_depth: ids waiting for the drainer
//      - hostbridge_tasks_active: records held by the task manager
//
// Useful queries:
//
//   # p95 caller wait
//   histogram_quantile(0.95, rate(hostbridge_task_wait_seconds_bucket[5m]))
//
//   # host loop saturation
//   rate(hostbridge_tick_seconds_sum[1m])
//
// All methods are safe on a nil *Collector so metrics stay optional.
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hostbridge"

// Collector holds the bridge's Prometheus metrics
type Collector struct {
	submitted prometheus.Counter
	inline    prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	cancelled prometheus.Counter
	expired   prometheus.Counter
	orphaned  prometheus.Counter
	timeouts  prometheus.Counter
	ticks     prometheus.Counter

	waitLatency prometheus.Histogram
	execLatency prometheus.Histogram
	tickLatency prometheus.Histogram

	queueDepth  prometheus.Gauge
	activeTasks prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}

	c := &Collector{
		submitted: counter("tasks_submitted_total", "Total number of tasks queued for the host thread"),
		inline:    counter("tasks_inline_total", "Total number of reentrant calls executed synchronously on the host thread"),
		completed: counter("tasks_completed_total", "Total number of operations that returned a value"),
		failed:    counter("tasks_failed_total", "Total number of operations that returned an error or panicked"),
		cancelled: counter("tasks_cancelled_total", "Total number of tasks reclaimed after cancellation"),
		expired:   counter("tasks_expired_total", "Total number of tasks expired past timeout plus grace period"),
		orphaned:  counter("tasks_orphaned_total", "Total number of results never consumed by their caller"),
		timeouts:  counter("caller_timeouts_total", "Total number of callers that stopped waiting"),
		ticks:     counter("ticks_total", "Total number of host loop ticks handled"),

		waitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_wait_seconds",
			Help:      "Time from submission until the caller received a result",
			Buckets:   prometheus.DefBuckets,
		}),
		execLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_exec_seconds",
			Help:      "Operation execution time on the host thread",
			Buckets:   prometheus.DefBuckets,
		}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_seconds",
			Help:      "Time a single tick blocked the host loop",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of tasks waiting for the drainer",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Current number of task records held",
		}),
	}

	reg.MustRegister(
		c.submitted, c.inline, c.completed, c.failed, c.cancelled,
		c.expired, c.orphaned, c.timeouts, c.ticks,
		c.waitLatency, c.execLatency, c.tickLatency,
		c.queueDepth, c.activeTasks,
	)

	return c
}

// RecordSubmit counts a queued task.
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.submitted.Inc()
}

// RecordInline counts a reentrant synchronous call.
func (c *Collector) RecordInline() {
	if c == nil {
		return
	}
	c.inline.Inc()
}

// RecordExecution records one operation run on the host thread.
func (c *Collector) RecordExecution(d time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.execLatency.Observe(d.Seconds())
	if failed {
		c.failed.Inc()
	} else {
		c.completed.Inc()
	}
}

// RecordWait records how long a caller waited for its result.
func (c *Collector) RecordWait(d time.Duration) {
	if c == nil {
		return
	}
	c.waitLatency.Observe(d.Seconds())
}

// RecordTimeout counts a caller that gave up.
func (c *Collector) RecordTimeout() {
	if c == nil {
		return
	}
	c.timeouts.Inc()
}

// RecordSweep adds the janitor's removals.
func (c *Collector) RecordSweep(cancelled, expired, orphaned int) {
	if c == nil {
		return
	}
	c.cancelled.Add(float64(cancelled))
	c.expired.Add(float64(expired))
	c.orphaned.Add(float64(orphaned))
}

// RecordTick records one host loop tick.
func (c *Collector) RecordTick(d time.Duration) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickLatency.Observe(d.Seconds())
}

// UpdateQueueStats sets the queue depth and active record gauges.
func (c *Collector) UpdateQueueStats(queueDepth, active int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(queueDepth))
	c.activeTasks.Set(float64(active))
}
