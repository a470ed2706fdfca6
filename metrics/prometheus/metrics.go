// Package prometheus adapts github.com/prometheus/client_golang to the
// runner.Metrics interface, grounded on the teacher's own observability
// subpackage.
package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvid-run/taskloom/runner"
)

// Metrics wraps a set of Prometheus collectors to satisfy runner.Metrics.
// Register it with a prometheus.Registerer of the caller's choosing via
// MustRegister.
type Metrics struct {
	taskDuration *prometheus.HistogramVec
	taskPanics   *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	migrations   *prometheus.CounterVec
}

// New constructs a Metrics instance with the standard collector set.
func New(namespace string) *Metrics {
	return &Metrics{
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "task_duration_seconds",
			Help:      "Wall time spent executing a task, by runner and priority.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"runner", "priority"}),
		taskPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "task_panics_total",
			Help:      "Total number of task thunks that panicked.",
		}, []string{"runner"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "queue_depth",
			Help:      "Current queue depth by runner and queue kind.",
		}, []string{"runner", "kind"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "migrations_total",
			Help:      "Total number of runner migrations between workers.",
		}, []string{"runner", "from_worker", "to_worker"}),
	}
}

// MustRegister registers every collector with reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.taskDuration, m.taskPanics, m.queueDepth, m.migrations)
}

func (m *Metrics) RecordTaskDuration(runnerName string, priority runner.TaskPriority, d runner.TimeDelta) {
	m.taskDuration.WithLabelValues(runnerName, strconv.Itoa(int(priority))).Observe(d.Duration().Seconds())
}

func (m *Metrics) RecordTaskPanic(runnerName string) {
	m.taskPanics.WithLabelValues(runnerName).Inc()
}

func (m *Metrics) RecordQueueDepth(runnerName string, immediate, delayed, idle int) {
	m.queueDepth.WithLabelValues(runnerName, "immediate").Set(float64(immediate))
	m.queueDepth.WithLabelValues(runnerName, "delayed").Set(float64(delayed))
	m.queueDepth.WithLabelValues(runnerName, "idle").Set(float64(idle))
}

func (m *Metrics) RecordMigration(runnerName, fromWorker, toWorker string) {
	m.migrations.WithLabelValues(runnerName, fromWorker, toWorker).Inc()
}
