package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_runs_started_total",
			Help: "Total number of processing runs started",
		},
		[]string{"strategy"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_runs_completed_total",
			Help: "Total number of processing runs completed",
		},
		[]string{"strategy", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_run_duration_seconds",
			Help:    "Processing run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	RunTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_run_tokens_used",
			Help:    "Total tokens consumed per processing run",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
	)

	RunsDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_runs_degraded_total",
			Help: "Total number of runs that terminated early under budget pressure",
		},
	)

	// Worker metrics
	WorkerExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_worker_executions_total",
			Help: "Total number of worker task executions",
		},
		[]string{"status"},
	)

	WorkerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_worker_retries_total",
			Help: "Total number of worker task retries",
		},
	)

	WorkerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_worker_duration_seconds",
			Help:    "Worker task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_worker_depth",
			Help:    "Recursion depth of executed worker tasks",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	// Partition metrics
	PartitionChunks = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_partition_chunks",
			Help:    "Number of chunks emitted per partition call",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
		[]string{"strategy"},
	)

	// Inference metrics
	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_inference_requests_total",
			Help: "Total number of inference client calls",
		},
		[]string{"status"},
	)

	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_inference_latency_seconds",
			Help:    "Inference call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Workspace store metrics
	WorkspacesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_workspaces_created_total",
			Help: "Total number of workspaces created",
		},
	)

	WorkspacesSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_workspaces_swept_total",
			Help: "Total number of workspaces removed by retention sweeps",
		},
	)

	// Budget metrics
	BudgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_budget_rejections_total",
			Help: "Total number of dispatches rejected by the token budget",
		},
	)
)

// RecordRun records metrics for a completed processing run.
func RecordRun(strategy, status string, durationSeconds float64, tokensUsed int) {
	RunsCompleted.WithLabelValues(strategy, status).Inc()
	RunDuration.WithLabelValues(strategy).Observe(durationSeconds)
	if tokensUsed > 0 {
		RunTokensUsed.Observe(float64(tokensUsed))
	}
}

// RecordWorker records metrics for one worker task execution.
func RecordWorker(status string, depth int, durationSeconds float64) {
	WorkerExecutions.WithLabelValues(status).Inc()
	WorkerDepth.Observe(float64(depth))
	if durationSeconds > 0 {
		WorkerDuration.Observe(durationSeconds)
	}
}

// RecordInference records metrics for one inference client call.
func RecordInference(status string, durationSeconds float64) {
	InferenceRequests.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		InferenceLatency.Observe(durationSeconds)
	}
}
