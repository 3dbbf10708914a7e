package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueueDepth tracks the number of queued, undispatched tasks
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_queue_depth",
		Help: "Number of queued tasks awaiting dispatch",
	})

	// TasksByStatus tracks in-memory task counts per lifecycle state
	TasksByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kiln_tasks",
		Help: "Tasks tracked in memory by status",
	}, []string{"status"})

	// WorkersByStatus tracks worker counts per status label
	WorkersByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kiln_workers",
		Help: "Workers by status",
	}, []string{"status"})

	// TasksDispatched counts tasks handed to a worker
	TasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_tasks_dispatched_total",
		Help: "Total tasks dispatched to workers",
	})

	// TasksCompleted counts tasks that reached completed
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_tasks_completed_total",
		Help: "Total tasks completed successfully",
	})

	// TasksFailed counts tasks that reached failed
	TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_tasks_failed_total",
		Help: "Total tasks that failed",
	})

	// DispatchLatency observes submit-to-dispatch wait per task
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_dispatch_latency_seconds",
		Help:    "Time from task submission to dispatch",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		TasksByStatus,
		WorkersByStatus,
		TasksDispatched,
		TasksCompleted,
		TasksFailed,
		DispatchLatency,
	)
}
