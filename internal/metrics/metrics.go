// Package metrics exposes the board state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ytakahashi/taskboard/internal/models"
)

// BoardMetrics observes the synchronizer and mirrors its counts.
type BoardMetrics struct {
	tasks      *prometheus.GaugeVec
	completion prometheus.Gauge
	overdue    prometheus.Gauge
	completed  prometheus.Counter
	snapshots  prometheus.Counter
	errors     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *BoardMetrics {
	m := &BoardMetrics{
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskboard",
			Name:      "tasks",
			Help:      "Tasks on the active board by status.",
		}, []string{"status"}),
		completion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskboard",
			Name:      "completion_percent",
			Help:      "Share of tasks on the active board that are done.",
		}),
		overdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskboard",
			Name:      "tasks_overdue",
			Help:      "Open tasks on the active board whose due date has passed.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "tasks_completed_total",
			Help:      "Tasks moved into the done column.",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "collection_changes_total",
			Help:      "Collection changes delivered to observers.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "operation_errors_total",
			Help:      "Failed board operations by operation and kind.",
		}, []string{"operation", "kind"}),
	}
	reg.MustRegister(m.tasks, m.completion, m.overdue, m.completed, m.snapshots, m.errors)
	return m
}

func (m *BoardMetrics) CollectionChanged(_ []models.Task, counts models.Counts) {
	m.snapshots.Inc()
	m.tasks.WithLabelValues(string(models.StatusTodo)).Set(float64(counts.Todo))
	m.tasks.WithLabelValues(string(models.StatusInProgress)).Set(float64(counts.InProgress))
	m.tasks.WithLabelValues(string(models.StatusDone)).Set(float64(counts.Done))
	m.completion.Set(float64(counts.Percent))
	m.overdue.Set(float64(counts.Overdue))
}

func (m *BoardMetrics) TaskCompleted(models.Task) {
	m.completed.Inc()
}

// ObserveError counts a failed operation under the error's kind.
func (m *BoardMetrics) ObserveError(operation string, kind string) {
	m.errors.WithLabelValues(operation, kind).Inc()
}
