// Package metrics exposes the core's Prometheus surface: subscription
// fan-out, changelog retention, and task-queue health.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscription bus metrics.
	SubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concave_subscriptions_active",
			Help: "Current number of active subscriptions by resource",
		},
		[]string{"resource"},
	)

	EventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concave_events_delivered_total",
			Help: "Total number of bus events delivered by resource and event type",
		},
		[]string{"resource", "event_type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concave_events_dropped_total",
			Help: "Total number of bus events that failed delivery and tore down their handler",
		},
		[]string{"resource"},
	)

	CatchupInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concave_catchup_invalidations_total",
			Help: "Total number of reconnect attempts rejected because the changelog had already truncated past the client's sequence",
		},
	)

	// Changelog metrics.
	ChangelogCurrentSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concave_changelog_current_seq",
			Help: "Current changelog sequence number",
		},
	)

	ChangelogMinAvailableSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concave_changelog_min_available_seq",
			Help: "Oldest sequence number still retained by the changelog",
		},
	)

	ChangelogDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concave_changelog_degraded",
			Help: "Whether the changelog has fallen back to its in-process store (1) or is writing to its durable backend (0)",
		},
	)

	ChangelogAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concave_changelog_append_duration_seconds",
			Help:    "Time taken to append an entry to the changelog",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Task scheduler/worker metrics.
	TaskQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concave_task_queue_depth",
			Help: "Number of tasks waiting in a priority bucket",
		},
		[]string{"bucket"},
	)

	TasksScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concave_tasks_scheduled_total",
			Help: "Total number of tasks scheduled by name",
		},
		[]string{"name"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concave_tasks_completed_total",
			Help: "Total number of tasks that completed successfully by name",
		},
		[]string{"name"},
	)

	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concave_tasks_retried_total",
			Help: "Total number of task retry attempts by name",
		},
		[]string{"name"},
	)

	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concave_tasks_dead_lettered_total",
			Help: "Total number of tasks that exhausted their retry budget by name",
		},
		[]string{"name"},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concave_task_execution_duration_seconds",
			Help:    "Time taken to execute a single task attempt by name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(
		SubscriptionsActive,
		EventsDeliveredTotal,
		EventsDroppedTotal,
		CatchupInvalidationsTotal,
		ChangelogCurrentSeq,
		ChangelogMinAvailableSeq,
		ChangelogDegraded,
		ChangelogAppendDuration,
		TaskQueueDepth,
		TasksScheduledTotal,
		TasksCompletedTotal,
		TasksRetriedTotal,
		TasksDeadLetteredTotal,
		TaskExecutionDuration,
	)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
